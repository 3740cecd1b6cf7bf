package admin

import (
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const (
	requestIDContextKey = "admin_request_id"
	apiTokenActorID     = "admin_api_token"
	anyHost             = "*"
)

type RateLimitConfig struct {
	Rate      rate.Limit
	Burst     int
	ExpiresIn time.Duration
}

var DefaultRateLimitConfig = RateLimitConfig{
	Rate:      rate.Limit(1),
	Burst:     10,
	ExpiresIn: 5 * time.Minute,
}

func RequestIDMiddleware() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, requestID string) {
			c.Set(requestIDContextKey, requestID)
		},
	})
}

type apiGuard struct {
	token    []byte
	host     string
	disabled string
}

// APITokenMiddleware guards the JSON API with a static bearer token. The API
// only answers on allowedHost ("*" for any host) and replies 503 while either
// setting is empty.
func APITokenMiddleware(token string, allowedHost string) echo.MiddlewareFunc {
	guard := apiGuard{
		token: []byte(strings.TrimSpace(token)),
		host:  normalizeHost(allowedHost),
	}
	guard.disabled = disabledAdminMessage(string(guard.token), guard.host)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if guard.disabled != "" {
				return writeError(c, http.StatusServiceUnavailable, guard.disabled)
			}
			if !guard.hostAllowed(c.Request().Host) {
				return c.NoContent(http.StatusNotFound)
			}
			if !guard.authorized(c.Request().Header.Get(echo.HeaderAuthorization)) {
				log.Printf("admin api rejected token ip=%s path=%s request_id=%s", c.RealIP(), c.Request().URL.Path, RequestIDFromContext(c))
				return writeError(c, http.StatusUnauthorized, "unauthorized")
			}

			SetAdminActor(c, ActorTypeToken, apiTokenActorID)
			SetAdminActorIsAdmin(c, true)
			return next(c)
		}
	}
}

func (g apiGuard) hostAllowed(requestHost string) bool {
	return g.host == anyHost || normalizeHost(requestHost) == g.host
}

func (g apiGuard) authorized(header string) bool {
	scheme, provided, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), g.token) == 1
}

// RateLimitMiddleware limits API calls per client IP.
func RateLimitMiddleware(config RateLimitConfig) echo.MiddlewareFunc {
	if config.Rate <= 0 {
		config.Rate = DefaultRateLimitConfig.Rate
	}
	if config.Burst <= 0 {
		config.Burst = DefaultRateLimitConfig.Burst
	}
	if config.ExpiresIn <= 0 {
		config.ExpiresIn = DefaultRateLimitConfig.ExpiresIn
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      config.Rate,
			Burst:     config.Burst,
			ExpiresIn: config.ExpiresIn,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if ip := strings.TrimSpace(c.RealIP()); ip != "" {
				return ip, nil
			}
			return "unknown", nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return writeError(c, http.StatusForbidden, "forbidden")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			log.Printf("admin api rate limited ip=%s path=%s", identifier, c.Request().URL.Path)
			return writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// RequestIDFromContext prefers the id stored by RequestIDMiddleware and falls
// back to the X-Request-ID headers.
func RequestIDFromContext(c echo.Context) string {
	if value, ok := c.Get(requestIDContextKey).(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	for _, header := range []http.Header{c.Response().Header(), c.Request().Header} {
		if value := strings.TrimSpace(header.Get(echo.HeaderXRequestID)); value != "" {
			return value
		}
	}
	return ""
}

func disabledAdminMessage(token string, host string) string {
	var missing []string
	if token == "" {
		missing = append(missing, "ADMIN_API_TOKEN")
	}
	if host == "" {
		missing = append(missing, "ADMIN_API_HOST")
	}
	if len(missing) == 0 {
		return ""
	}
	return "json api disabled: " + strings.Join(missing, " and ") + " is not set"
}

// normalizeHost reduces a host, host:port or URL to a lowercase hostname.
func normalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	for _, scheme := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	host, _, _ = strings.Cut(host, "/")
	if host == "" || host == anyHost {
		return host
	}

	if bare, _, err := net.SplitHostPort(host); err == nil {
		host = bare
	} else if strings.Count(host, ":") == 1 {
		host, _, _ = strings.Cut(host, ":")
	}
	return strings.Trim(host, "[]")
}
