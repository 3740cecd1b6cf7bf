package keycloak

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	tokenRefreshMargin  = 30 * time.Second
	defaultTokenTTL     = 60 * time.Second
	modernTokenPathTmpl = "%s/realms/%s/protocol/openid-connect/token"
	legacyTokenPathTmpl = "%s/auth/realms/%s/protocol/openid-connect/token"
)

var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

type TokenProviderConfig struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	PathMode     string
	HTTPClient   *http.Client
}

// AdminTokenProvider caches a client-credentials access token for the admin API.
type AdminTokenProvider struct {
	clientID     string
	clientSecret string
	tokenURLs    []string
	httpClient   *http.Client
	now          func() time.Time

	mu          sync.RWMutex
	accessToken string
	expiry      time.Time
	urlIndex    int
}

func NewAdminTokenProvider(cfg TokenProviderConfig) (*AdminTokenProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	realm := strings.TrimSpace(cfg.Realm)
	if base == "" {
		return nil, fmt.Errorf("keycloak base url is required")
	}
	if realm == "" {
		realm = "master"
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("keycloak admin client credentials are required")
	}

	modern := fmt.Sprintf(modernTokenPathTmpl, base, realm)
	legacy := fmt.Sprintf(legacyTokenPathTmpl, base, realm)
	var urls []string
	switch normalizePathMode(cfg.PathMode) {
	case PathModeModern:
		urls = []string{modern}
	case PathModeLegacy:
		urls = []string{legacy}
	default:
		urls = []string{modern, legacy}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &AdminTokenProvider{
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		tokenURLs:    urls,
		httpClient:   httpClient,
		now:          time.Now,
	}, nil
}

// Token returns a cached token, fetching a new one when fewer than 30
// seconds of validity remain. Concurrent callers share a single fetch.
func (p *AdminTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	if p.validLocked() {
		token := p.accessToken
		p.mu.RUnlock()
		return token, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.validLocked() {
		return p.accessToken, nil
	}

	token, err := p.fetchLocked(ctx)
	if err != nil {
		return "", err
	}
	p.accessToken = token.AccessToken
	p.expiry = tokenExpiry(token, p.now())
	return p.accessToken, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (p *AdminTokenProvider) Invalidate() {
	p.mu.Lock()
	p.accessToken = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

func (p *AdminTokenProvider) validLocked() bool {
	if p.accessToken == "" {
		return false
	}
	return p.now().Add(tokenRefreshMargin).Before(p.expiry)
}

func (p *AdminTokenProvider) fetchLocked(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	var lastErr error
	for attempt := 0; attempt < len(p.tokenURLs); attempt++ {
		idx := (p.urlIndex + attempt) % len(p.tokenURLs)
		cfg := clientcredentials.Config{
			ClientID:     p.clientID,
			ClientSecret: p.clientSecret,
			TokenURL:     p.tokenURLs[idx],
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		token, err := cfg.Token(ctx)
		if err == nil {
			if idx != p.urlIndex {
				log.Printf("keycloak token endpoint fallback url=%s", p.tokenURLs[idx])
				p.urlIndex = idx
			}
			return token, nil
		}
		lastErr = err
		if !isTokenEndpointMissing(err) {
			break
		}
	}
	return nil, fmt.Errorf("fetch keycloak admin token: %w", lastErr)
}

func isTokenEndpointMissing(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return false
	}
	return retrieveErr.Response.StatusCode == http.StatusNotFound
}

// tokenExpiry prefers expires_in, then the JWT exp claim.
func tokenExpiry(token *oauth2.Token, now time.Time) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry
	}
	if exp, ok := jwtExpiry(token.AccessToken); ok {
		return exp
	}
	return now.Add(defaultTokenTTL)
}

func jwtExpiry(raw string) (time.Time, bool) {
	parsed, err := jwt.ParseSigned(raw, tokenSignatureAlgorithms)
	if err != nil {
		return time.Time{}, false
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}
	if claims.Expiry == nil {
		return time.Time{}, false
	}
	return claims.Expiry.Time(), true
}
