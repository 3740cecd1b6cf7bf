package adminui

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/http"
	"strings"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/labstack/echo/v4"
)

const (
	adminCSRFCookieName = "admin_csrf"
	adminCSRFFieldName  = "csrf_token"
	adminCSRFHeaderName = "X-CSRF-Token"
	adminCSRFContextKey = "admin_ui_csrf_token"
	csrfTokenBytes      = 32
)

// CSRFMiddleware checks unsafe requests against the admin_csrf cookie. Forms
// send the token in csrf_token, scripts may use the X-CSRF-Token header.
func (h *Handler) CSRFMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			expected, err := h.csrfToken(c)
			if err != nil {
				log.Printf("adminui csrf token init failed error=%v", err)
				return c.String(http.StatusInternalServerError, "failed to initialize csrf token")
			}
			if isSafeMethod(c.Request().Method) {
				return next(c)
			}

			provided := c.Request().Header.Get(adminCSRFHeaderName)
			if strings.TrimSpace(provided) == "" {
				provided = c.FormValue(adminCSRFFieldName)
			}
			if !sameCSRFToken(expected, provided) {
				log.Printf("adminui csrf rejected method=%s path=%s actor=%s request_id=%s", c.Request().Method, c.Path(), admin.ActorName(c), admin.RequestIDFromContext(c))
				return c.String(http.StatusForbidden, "invalid csrf token")
			}
			return next(c)
		}
	}
}

// csrfToken returns the request's token, issuing a fresh cookie when the
// browser has none or a malformed one.
func (h *Handler) csrfToken(c echo.Context) (string, error) {
	if token, ok := c.Get(adminCSRFContextKey).(string); ok && decodeCSRFToken(token) != nil {
		return token, nil
	}
	if cookie, err := c.Cookie(adminCSRFCookieName); err == nil && decodeCSRFToken(cookie.Value) != nil {
		token := strings.TrimSpace(cookie.Value)
		c.Set(adminCSRFContextKey, token)
		return token, nil
	}

	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	h.setAdminCookie(c, adminCSRFCookieName, token, 0)
	c.Set(adminCSRFContextKey, token)
	return token, nil
}

func (h *Handler) clearCSRFCookie(c echo.Context) {
	h.setAdminCookie(c, adminCSRFCookieName, "", -1)
	c.Set(adminCSRFContextKey, "")
}

func (h *Handler) setAdminCookie(c echo.Context, name string, value string, maxAge int) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/admin",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   !h.insecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeCSRFToken(token string) []byte {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(raw) != csrfTokenBytes {
		return nil
	}
	return raw
}

func sameCSRFToken(expected string, provided string) bool {
	want := decodeCSRFToken(expected)
	got := decodeCSRFToken(provided)
	if want == nil || got == nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

func isSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
