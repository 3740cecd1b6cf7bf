package adminauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

type fakeAuditWriter struct {
	mu      sync.Mutex
	entries []store.ApiLogEntry
}

func (f *fakeAuditWriter) CreateApiLogEntry(_ context.Context, entry store.ApiLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditWriter) last() store.ApiLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return store.ApiLogEntry{}
	}
	return f.entries[len(f.entries)-1]
}

func newTestAdminAuthService(t *testing.T) (*Service, *miniredis.Miniredis, *fakeAuditWriter) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	stateStore, err := newRedisAdminSessionStateStore(rdb)
	if err != nil {
		t.Fatalf("newRedisAdminSessionStateStore failed: %v", err)
	}
	audit := &fakeAuditWriter{}
	svc := newService(Config{
		AdminUsernames:     []string{"Root"},
		AdminRole:          "clientdesk-admin",
		SessionIdleTTL:     30 * time.Minute,
		SessionAbsoluteTTL: 12 * time.Hour,
	}, stateStore, audit)
	return svc, mr, audit
}

func testClaims(username string, subject string, roles ...string) *oidc.IDTokenClaims {
	claims := &oidc.IDTokenClaims{}
	claims.Subject = subject
	claims.PreferredUsername = username
	claims.Email = username + "@example.com"
	claims.Name = strings.ToUpper(username)
	if len(roles) > 0 {
		raw := make([]any, 0, len(roles))
		for _, role := range roles {
			raw = append(raw, role)
		}
		claims.Claims = map[string]any{"realm_access": map[string]any{"roles": raw}}
	}
	return claims
}

func loginAs(t *testing.T, e *echo.Echo, svc *Service, claims *oidc.IDTokenClaims) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin/login/callback", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := svc.CompleteLogin(c, claims); err != nil {
		t.Fatalf("CompleteLogin failed: %v", err)
	}
	cookie := responseCookie(rec, adminSessionCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected %s cookie", adminSessionCookieName)
	}
	return cookie
}

func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	var found *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == name {
			item := *cookie
			found = &item
		}
	}
	return found
}

func protectedEcho(svc *Service) *echo.Echo {
	e := echo.New()
	group := e.Group("/admin", svc.RequireSessionMiddleware("/admin/login"))
	group.GET("/", func(c echo.Context) error {
		identity, _ := IdentityFromContext(c)
		return c.String(http.StatusOK, identity.Username+"|"+admin.ActorName(c))
	})
	group.GET("/access", func(c echo.Context) error {
		return c.String(http.StatusOK, "admin area")
	}, svc.RequireAdminMiddleware())
	return e
}

func doRequest(e *echo.Echo, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCompleteLoginCreatesSessionAndAudits(t *testing.T) {
	svc, mr, audit := newTestAdminAuthService(t)
	e := protectedEcho(svc)

	cookie := loginAs(t, e, svc, testClaims("Alice", "sub-1"))
	if !mr.Exists(adminSessionRedisKey(cookie.Value)) {
		t.Fatal("expected session in redis")
	}
	if ttl := mr.TTL(adminSessionRedisKey(cookie.Value)); ttl != 30*time.Minute {
		t.Fatalf("unexpected idle ttl %v", ttl)
	}
	if cookie.Path != "/admin" || !cookie.HttpOnly || !cookie.Secure {
		t.Fatalf("unexpected cookie attributes %#v", cookie)
	}

	rec := doRequest(e, "/admin/", cookie)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice|alice" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	entry := audit.last()
	if entry.Operation != "staff.login" || !entry.Success || entry.Actor != "alice" {
		t.Fatalf("unexpected audit entry %#v", entry)
	}
}

func TestRequireSessionRedirectsWithoutCookie(t *testing.T) {
	svc, _, _ := newTestAdminAuthService(t)
	e := protectedEcho(svc)

	rec := doRequest(e, "/admin/", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/admin/login" {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = doRequest(e, "/admin/", &http.Cookie{Name: adminSessionCookieName, Value: "forged"})
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect for unknown session, got %d", rec.Code)
	}
}

func TestRequireAdminMiddleware(t *testing.T) {
	svc, _, _ := newTestAdminAuthService(t)
	e := protectedEcho(svc)

	staff := loginAs(t, e, svc, testClaims("bob", "sub-2"))
	if rec := doRequest(e, "/admin/access", staff); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain staff, got %d", rec.Code)
	}

	byRole := loginAs(t, e, svc, testClaims("carol", "sub-3", "offline_access", "clientdesk-admin"))
	if rec := doRequest(e, "/admin/access", byRole); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for role admin, got %d", rec.Code)
	}

	byName := loginAs(t, e, svc, testClaims("root", "sub-4"))
	if rec := doRequest(e, "/admin/access", byName); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for configured admin username, got %d", rec.Code)
	}
}

func TestAttachSessionActorMiddleware(t *testing.T) {
	svc, _, _ := newTestAdminAuthService(t)
	e := echo.New()
	group := e.Group("/admin", svc.AttachSessionActorMiddleware())
	group.GET("/login", func(c echo.Context) error {
		actorType, actorID := admin.AdminActorFromContext(c)
		return c.String(http.StatusOK, actorType+"|"+actorID+"|"+strconv.FormatBool(admin.AdminActorIsAdmin(c)))
	})

	rec := doRequest(e, "/admin/login", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "||false" {
		t.Fatalf("anonymous request must pass without actor, got %d %q", rec.Code, rec.Body.String())
	}

	cookie := loginAs(t, e, svc, testClaims("root", "sub-root"))
	rec = doRequest(e, "/admin/login", cookie)
	if rec.Code != http.StatusOK || rec.Body.String() != admin.ActorTypeStaff+"|root|true" {
		t.Fatalf("expected staff actor from session, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestIdentityFallsBackToSubject(t *testing.T) {
	svc, _, _ := newTestAdminAuthService(t)

	identity, err := svc.identityFromClaims(testClaims("", "f:123"))
	if err != nil {
		t.Fatalf("identityFromClaims failed: %v", err)
	}
	if identity.Username != "f:123" || identity.Admin {
		t.Fatalf("unexpected identity %#v", identity)
	}
	if _, err := svc.identityFromClaims(testClaims("", "")); err == nil {
		t.Fatal("expected error without username and subject")
	}
}

func TestAbsoluteSessionLifetime(t *testing.T) {
	svc, mr, _ := newTestAdminAuthService(t)
	e := protectedEcho(svc)
	cookie := loginAs(t, e, svc, testClaims("dave", "sub-5"))

	svc.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	if rec := doRequest(e, "/admin/", cookie); rec.Code != http.StatusFound {
		t.Fatalf("expected expired session to redirect, got %d", rec.Code)
	}
	if mr.Exists(adminSessionRedisKey(cookie.Value)) {
		t.Fatal("expired session should be deleted")
	}
}

func TestLogoutSessionAndInvalidate(t *testing.T) {
	svc, mr, audit := newTestAdminAuthService(t)
	e := protectedEcho(svc)
	first := loginAs(t, e, svc, testClaims("erin", "sub-6"))
	second := loginAs(t, e, svc, testClaims("erin", "sub-6"))
	_ = loginAs(t, e, svc, testClaims("frank", "sub-7"))

	count, err := svc.CountActiveSessions(context.Background())
	if err != nil || count != 3 {
		t.Fatalf("CountActiveSessions=%d err=%v want 3", count, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/logout", nil)
	req.AddCookie(first)
	rec := httptest.NewRecorder()
	if err := svc.LogoutSession(e.NewContext(req, rec)); err != nil {
		t.Fatalf("LogoutSession failed: %v", err)
	}
	if mr.Exists(adminSessionRedisKey(first.Value)) {
		t.Fatal("logged out session still present")
	}
	if cleared := responseCookie(rec, adminSessionCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %#v", cleared)
	}
	if entry := audit.last(); entry.Operation != "staff.logout" || !entry.Success {
		t.Fatalf("unexpected audit entry %#v", entry)
	}

	removed, err := svc.InvalidateSessionsForUser(context.Background(), "ERIN")
	if err != nil || removed != 1 {
		t.Fatalf("InvalidateSessionsForUser=%d err=%v want 1", removed, err)
	}
	if mr.Exists(adminSessionRedisKey(second.Value)) {
		t.Fatal("invalidated session still present")
	}
}

func TestCookieKey(t *testing.T) {
	generated, err := cookieKey("", "COOKIE_HASH_KEY")
	if err != nil || len(generated) != 32 {
		t.Fatalf("expected generated key, got %d bytes err=%v", len(generated), err)
	}
	raw, err := cookieKey("0123456789abcdef0123456789abcdef", "COOKIE_BLOCK_KEY")
	if err != nil || string(raw) != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("unexpected raw key %q err=%v", raw, err)
	}
	if _, err := cookieKey("short", "COOKIE_BLOCK_KEY"); err == nil {
		t.Fatal("expected error for short key")
	}
}
