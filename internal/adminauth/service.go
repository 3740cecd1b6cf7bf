package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	httphelper "github.com/zitadel/oidc/v3/pkg/http"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

const (
	adminSessionCookieName = "admin_session"
	adminSessionCookiePath = "/admin"
	adminSessionKeyPrefix  = "admin:sess:"
	identityContextKey     = "staff_identity"
)

var (
	errAdminSessionInvalid = errors.New("admin session is invalid")
	errMissingUsername     = errors.New("id token carries neither preferred_username nor sub")
)

// Identity is the signed-in staff member.
type Identity struct {
	Username    string `json:"username"`
	Subject     string `json:"subject"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin"`
}

func (i Identity) Label() string {
	if strings.TrimSpace(i.DisplayName) != "" {
		return i.DisplayName
	}
	return i.Username
}

type Config struct {
	Issuer             string
	ClientID           string
	ClientSecret       string
	RedirectURL        string
	Scopes             []string
	AdminUsernames     []string
	AdminRole          string
	CookieHashKey      string
	CookieBlockKey     string
	SessionIdleTTL     time.Duration
	SessionAbsoluteTTL time.Duration
	InsecureCookies    bool
}

type auditWriter interface {
	CreateApiLogEntry(ctx context.Context, entry store.ApiLogEntry) error
}

type adminSessionStateStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

type Service struct {
	relyingParty       rp.RelyingParty
	stateStore         adminSessionStateStore
	audit              auditWriter
	adminUsernames     map[string]struct{}
	adminRole          string
	sessionIdleTTL     time.Duration
	sessionAbsoluteTTL time.Duration
	secureCookies      bool
	now                func() time.Time
}

type sessionRecord struct {
	Identity      Identity `json:"identity"`
	CreatedAtUTC  int64    `json:"created_at_utc"`
	LastSeenAtUTC int64    `json:"last_seen_at_utc"`
	RemoteIP      string   `json:"remote_ip"`
	UserAgent     string   `json:"user_agent"`
}

type redisAdminSessionStateStore struct {
	client *redis.Client
}

func newRedisAdminSessionStateStore(client *redis.Client) (*redisAdminSessionStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("adminauth requires redis client")
	}
	return &redisAdminSessionStateStore{client: client}, nil
}

func (s *redisAdminSessionStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisAdminSessionStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, key).Bytes()
}

func (s *redisAdminSessionStateStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *redisAdminSessionStateStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	out := make([]string, 0, 16)
	iter := s.client.Scan(ctx, 0, strings.TrimSpace(pattern), 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimSpace(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// New discovers the issuer and prepares the relying party. State and PKCE
// verifier travel in encrypted cookies.
func New(ctx context.Context, cfg Config, r *redis.Client, audit auditWriter) (*Service, error) {
	stateStore, err := newRedisAdminSessionStateStore(r)
	if err != nil {
		return nil, err
	}

	hashKey, err := cookieKey(cfg.CookieHashKey, "COOKIE_HASH_KEY")
	if err != nil {
		return nil, err
	}
	blockKey, err := cookieKey(cfg.CookieBlockKey, "COOKIE_BLOCK_KEY")
	if err != nil {
		return nil, err
	}
	cookieOpts := []httphelper.CookieHandlerOpt{}
	if cfg.InsecureCookies {
		cookieOpts = append(cookieOpts, httphelper.WithUnsecure())
	}
	cookieHandler := httphelper.NewCookieHandler(hashKey, blockKey, cookieOpts...)

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail}
	}
	relyingParty, err := rp.NewRelyingPartyOIDC(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, scopes,
		rp.WithCookieHandler(cookieHandler),
		rp.WithPKCE(cookieHandler),
		rp.WithVerifierOpts(rp.WithIssuedAtOffset(5*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("create staff oidc relying party: %w", err)
	}

	svc := newService(cfg, stateStore, audit)
	svc.relyingParty = relyingParty
	return svc, nil
}

func newService(cfg Config, stateStore adminSessionStateStore, audit auditWriter) *Service {
	usernames := make(map[string]struct{}, len(cfg.AdminUsernames))
	for _, name := range cfg.AdminUsernames {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			usernames[trimmed] = struct{}{}
		}
	}
	idleTTL := cfg.SessionIdleTTL
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	absoluteTTL := cfg.SessionAbsoluteTTL
	if absoluteTTL <= 0 {
		absoluteTTL = 12 * time.Hour
	}
	return &Service{
		stateStore:         stateStore,
		audit:              audit,
		adminUsernames:     usernames,
		adminRole:          strings.TrimSpace(cfg.AdminRole),
		sessionIdleTTL:     idleTTL,
		sessionAbsoluteTTL: absoluteTTL,
		secureCookies:      !cfg.InsecureCookies,
		now:                time.Now,
	}
}

func RegisterRoutes(group *echo.Group, svc *Service) {
	group.GET("/login/start", svc.BeginLogin)
	group.GET("/login/callback", svc.FinishLogin)
}

// BeginLogin redirects to the identity provider.
func (s *Service) BeginLogin(c echo.Context) error {
	if s.relyingParty == nil {
		return c.String(http.StatusServiceUnavailable, "staff login is not configured")
	}
	handler := rp.AuthURLHandler(func() string {
		state, err := newRandomID()
		if err != nil {
			log.Printf("staff login state generation failed error=%v", err)
		}
		return state
	}, s.relyingParty)
	handler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// FinishLogin exchanges the code, verifies the ID token and opens a session.
func (s *Service) FinishLogin(c echo.Context) error {
	if s.relyingParty == nil {
		return c.String(http.StatusServiceUnavailable, "staff login is not configured")
	}
	callback := func(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[*oidc.IDTokenClaims], state string, provider rp.RelyingParty) {
		if err := s.CompleteLogin(c, tokens.IDTokenClaims); err != nil {
			log.Printf("staff login failed ip=%s request_id=%s error=%v", c.RealIP(), admin.RequestIDFromContext(c), err)
			_ = c.Redirect(http.StatusFound, "/admin/login?error="+url.QueryEscape("login_failed"))
			return
		}
		_ = c.Redirect(http.StatusFound, "/admin/")
	}
	rp.CodeExchangeHandler(callback, s.relyingParty).ServeHTTP(c.Response(), c.Request())
	return nil
}

// CompleteLogin turns verified ID token claims into a staff session.
func (s *Service) CompleteLogin(c echo.Context, claims *oidc.IDTokenClaims) error {
	identity, err := s.identityFromClaims(claims)
	if err != nil {
		s.auditAuth(c, "staff.login", false, "", map[string]any{"error": "invalid_claims"})
		return err
	}
	if _, err := s.setSession(c, identity); err != nil {
		s.auditAuth(c, "staff.login", false, identity.Username, map[string]any{"error": "session_store_failed"})
		return err
	}
	admin.SetAdminActor(c, admin.ActorTypeStaff, identity.Username)
	admin.SetAdminActorIsAdmin(c, identity.Admin)
	s.auditAuth(c, "staff.login", true, identity.Username, map[string]any{"admin": identity.Admin})
	return nil
}

func (s *Service) identityFromClaims(claims *oidc.IDTokenClaims) (Identity, error) {
	if claims == nil {
		return Identity{}, errMissingUsername
	}
	username := strings.ToLower(strings.TrimSpace(claims.PreferredUsername))
	if username == "" {
		username = strings.TrimSpace(claims.Subject)
	}
	if username == "" {
		return Identity{}, errMissingUsername
	}

	identity := Identity{
		Username:    username,
		Subject:     strings.TrimSpace(claims.Subject),
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: strings.TrimSpace(claims.Name),
	}
	if _, ok := s.adminUsernames[username]; ok {
		identity.Admin = true
	}
	if !identity.Admin && s.adminRole != "" {
		for _, role := range realmRoles(claims.Claims) {
			if role == s.adminRole {
				identity.Admin = true
				break
			}
		}
	}
	return identity, nil
}

// realmRoles reads Keycloak's realm_access.roles claim.
func realmRoles(claims map[string]any) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if role, ok := item.(string); ok {
			out = append(out, strings.TrimSpace(role))
		}
	}
	return out
}

// AttachSessionActorMiddleware records the session's staff member as the
// audit actor on routes that do not require a session.
func (s *Service) AttachSessionActorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, _ = s.SessionIdentity(c)
			return next(c)
		}
	}
}

// SessionIdentity resolves the session cookie and refreshes its idle TTL.
func (s *Service) SessionIdentity(c echo.Context) (*Identity, bool) {
	if cached, ok := c.Get(identityContextKey).(*Identity); ok && cached != nil {
		return cached, true
	}
	identity, _, err := s.sessionIdentity(c)
	if err != nil || identity == nil {
		return nil, false
	}
	admin.SetAdminActor(c, admin.ActorTypeStaff, identity.Username)
	admin.SetAdminActorIsAdmin(c, identity.Admin)
	c.Set(identityContextKey, identity)
	return identity, true
}

func IdentityFromContext(c echo.Context) (*Identity, bool) {
	identity, ok := c.Get(identityContextKey).(*Identity)
	return identity, ok && identity != nil
}

func (s *Service) RequireSessionMiddleware(loginPath string) echo.MiddlewareFunc {
	target := strings.TrimSpace(loginPath)
	if target == "" {
		target = "/admin/login"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := s.SessionIdentity(c); ok {
				return next(c)
			}
			return c.Redirect(http.StatusFound, target)
		}
	}
}

// RequireAdminMiddleware must run after RequireSessionMiddleware.
func (s *Service) RequireAdminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, ok := s.SessionIdentity(c)
			if !ok {
				return c.Redirect(http.StatusFound, "/admin/login")
			}
			if !identity.Admin {
				log.Printf("staff forbidden path=%s username=%s request_id=%s", c.Path(), identity.Username, admin.RequestIDFromContext(c))
				return echo.NewHTTPError(http.StatusForbidden, "administrator rights required")
			}
			return next(c)
		}
	}
}

func (s *Service) LogoutSession(c echo.Context) error {
	identity, sessionID, err := s.sessionIdentity(c)
	if err != nil {
		clearCookie(c, adminSessionCookieName, adminSessionCookiePath, s.secureCookies)
		s.auditAuth(c, "staff.logout", false, "", map[string]any{"error": "missing_session"})
		return errAdminSessionInvalid
	}

	_ = s.stateStore.Del(c.Request().Context(), adminSessionRedisKey(sessionID))
	clearCookie(c, adminSessionCookieName, adminSessionCookiePath, s.secureCookies)
	s.auditAuth(c, "staff.logout", true, identity.Username, nil)
	return nil
}

// CountActiveSessions counts live staff sessions for the dashboard.
func (s *Service) CountActiveSessions(ctx context.Context) (int, error) {
	keys, err := s.stateStore.Keys(ctx, adminSessionRedisKey("*"))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// InvalidateSessionsForUser ends every session of a username, returning how
// many were removed.
func (s *Service) InvalidateSessionsForUser(ctx context.Context, username string) (int, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return 0, nil
	}
	keys, err := s.stateStore.Keys(ctx, adminSessionRedisKey("*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		record, err := s.loadSessionRecord(ctx, strings.TrimPrefix(key, adminSessionKeyPrefix))
		if err != nil || record.Identity.Username != username {
			continue
		}
		if err := s.stateStore.Del(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Service) loadSessionRecord(ctx context.Context, sessionID string) (sessionRecord, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return sessionRecord{}, errAdminSessionInvalid
	}

	key := adminSessionRedisKey(sessionID)
	payload, err := s.stateStore.Get(ctx, key)
	if err != nil {
		return sessionRecord{}, errAdminSessionInvalid
	}

	var record sessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		_ = s.stateStore.Del(ctx, key)
		return sessionRecord{}, errAdminSessionInvalid
	}
	record.Identity.Username = strings.TrimSpace(record.Identity.Username)
	if record.Identity.Username == "" || record.CreatedAtUTC <= 0 {
		_ = s.stateStore.Del(ctx, key)
		return sessionRecord{}, errAdminSessionInvalid
	}
	if record.LastSeenAtUTC <= 0 {
		record.LastSeenAtUTC = record.CreatedAtUTC
	}
	return record, nil
}

func (s *Service) sessionIdentity(c echo.Context) (*Identity, string, error) {
	cookie, err := c.Cookie(adminSessionCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, "", errAdminSessionInvalid
	}
	sessionID := strings.TrimSpace(cookie.Value)
	ctx := c.Request().Context()
	key := adminSessionRedisKey(sessionID)

	record, err := s.loadSessionRecord(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	createdAt := time.Unix(record.CreatedAtUTC, 0).UTC()
	if now.Sub(createdAt) > s.sessionAbsoluteTTL {
		_ = s.stateStore.Del(ctx, key)
		clearCookie(c, adminSessionCookieName, adminSessionCookiePath, s.secureCookies)
		return nil, "", errAdminSessionInvalid
	}

	record.LastSeenAtUTC = now.Unix()
	if realIP := strings.TrimSpace(c.RealIP()); realIP != "" {
		record.RemoteIP = realIP
	}
	if ua := strings.TrimSpace(c.Request().UserAgent()); ua != "" {
		record.UserAgent = ua
	}
	updatedPayload, err := json.Marshal(record)
	if err != nil {
		return nil, "", err
	}
	if err := s.stateStore.Set(ctx, key, updatedPayload, s.sessionIdleTTL); err != nil {
		return nil, "", err
	}
	s.setSessionCookie(c, sessionID)

	identity := record.Identity
	return &identity, sessionID, nil
}

func (s *Service) setSession(c echo.Context, identity Identity) (string, error) {
	sessionID, err := newRandomID()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	record := sessionRecord{
		Identity:      identity,
		CreatedAtUTC:  now.Unix(),
		LastSeenAtUTC: now.Unix(),
		RemoteIP:      strings.TrimSpace(c.RealIP()),
		UserAgent:     strings.TrimSpace(c.Request().UserAgent()),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	if err := s.stateStore.Set(c.Request().Context(), adminSessionRedisKey(sessionID), payload, s.sessionIdleTTL); err != nil {
		return "", err
	}
	s.setSessionCookie(c, sessionID)
	return sessionID, nil
}

func (s *Service) setSessionCookie(c echo.Context, sessionID string) {
	c.SetCookie(&http.Cookie{
		Name:     adminSessionCookieName,
		Value:    sessionID,
		Path:     adminSessionCookiePath,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.sessionIdleTTL.Seconds()),
	})
}

func (s *Service) auditAuth(c echo.Context, operation string, success bool, username string, details map[string]any) {
	requestID := admin.RequestIDFromContext(c)
	realIP := strings.TrimSpace(c.RealIP())
	log.Printf("staff auth action=%s username=%s ip=%s request_id=%s success=%t", operation, username, realIP, requestID, success)

	if s.audit == nil {
		return
	}
	payload := map[string]any{}
	for key, value := range details {
		trimmed := strings.ToLower(strings.TrimSpace(key))
		if trimmed == "" || strings.Contains(trimmed, "token") || strings.Contains(trimmed, "secret") {
			continue
		}
		payload[trimmed] = value
	}
	encoded, _ := json.Marshal(payload)

	entry := store.ApiLogEntry{
		Operation:   operation,
		Actor:       defaultString(username, "anonymous"),
		TargetID:    username,
		Success:     success,
		RequestID:   requestID,
		RemoteIP:    realIP,
		DetailsJSON: encoded,
	}
	if err := s.audit.CreateApiLogEntry(c.Request().Context(), entry); err != nil {
		log.Printf("staff auth audit insert failed action=%s username=%s error=%v", operation, username, err)
	}
}

// cookieKey decodes a configured key or generates one for this process.
// Generated keys invalidate in-flight logins on restart.
func cookieKey(raw string, name string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate %s: %w", name, err)
		}
		return key, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes or base64 of 32 bytes", name)
	}
	return []byte(raw), nil
}

func newRandomID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func adminSessionRedisKey(id string) string {
	return adminSessionKeyPrefix + strings.TrimSpace(id)
}

func clearCookie(c echo.Context, name string, path string, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
