package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	PathModeAuto   = "auto"
	PathModeModern = "modern"
	PathModeLegacy = "legacy"

	modernAdminPrefix = "/admin"
	legacyAdminPrefix = "/auth/admin"
)

var (
	ErrNotFound               = errors.New("keycloak resource not found")
	ErrConflict               = errors.New("keycloak resource already exists")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnknownRealm           = errors.New("realm is not managed")
	ErrRoleAssignmentExcluded = errors.New("roles of this client may not be assigned to service accounts")
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	if body == "" {
		return fmt.Sprintf("keycloak %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("keycloak %s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	default:
		return false
	}
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type ClientConfig struct {
	BaseURL    string
	PathMode   string
	Timeout    time.Duration
	RetryCount int
}

// Client talks to the admin REST API. In auto mode it remembers whichever
// path convention last answered with a routed response.
type Client struct {
	baseURL string
	mode    string
	http    *resty.Client
	tokens  TokenSource

	mu           sync.Mutex
	preferLegacy bool
}

func NewClient(cfg ClientConfig, tokens TokenSource) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("keycloak base url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("keycloak client requires a token source")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}

	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})

	mode := normalizePathMode(cfg.PathMode)
	return &Client{
		baseURL:      base,
		mode:         mode,
		http:         httpClient,
		tokens:       tokens,
		preferLegacy: mode == PathModeLegacy,
	}, nil
}

// Ping checks that a token can be obtained.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

func (c *Client) Mode() string {
	return c.mode
}

// UsingLegacyPaths reports the convention currently tried first.
func (c *Client) UsingLegacyPaths() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferLegacy
}

func (c *Client) get(ctx context.Context, realm string, path string, result any) error {
	_, err := c.do(ctx, http.MethodGet, realm, path, nil, result)
	return err
}

func (c *Client) post(ctx context.Context, realm string, path string, body any, result any) error {
	_, err := c.do(ctx, http.MethodPost, realm, path, body, result)
	return err
}

func (c *Client) put(ctx context.Context, realm string, path string, body any) error {
	_, err := c.do(ctx, http.MethodPut, realm, path, body, nil)
	return err
}

func (c *Client) delete(ctx context.Context, realm string, path string, body any) error {
	_, err := c.do(ctx, http.MethodDelete, realm, path, body, nil)
	return err
}

func (c *Client) do(ctx context.Context, method string, realm string, path string, body any, result any) (*resty.Response, error) {
	prefixes := c.prefixOrder()
	var resp *resty.Response
	for i, prefix := range prefixes {
		target := c.baseURL + prefix + "/realms/" + url.PathEscape(realm) + path

		var err error
		resp, err = c.send(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("keycloak %s %s: %w", method, path, err)
		}

		if i < len(prefixes)-1 && isRouteMissing(resp) {
			log.Printf("keycloak request fallback method=%s realm=%s path=%s from=%s", method, realm, path, prefix)
			continue
		}
		if i > 0 && !isRouteMissing(resp) {
			c.rememberPrefix(prefix)
		}
		break
	}

	if resp.IsError() {
		return resp, &APIError{
			Status: resp.StatusCode(),
			Method: method,
			Path:   path,
			Body:   string(resp.Body()),
		}
	}
	if result != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return resp, fmt.Errorf("decode keycloak %s %s: %w", method, path, err)
		}
	}
	return resp, nil
}

// send retries once with a fresh token when the cached one is rejected.
func (c *Client) send(ctx context.Context, method string, target string, body any) (*resty.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Accept", "application/json")
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		resp, err := req.Execute(method, target)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("keycloak request was not sent")
}

func (c *Client) prefixOrder() []string {
	switch c.mode {
	case PathModeModern:
		return []string{modernAdminPrefix}
	case PathModeLegacy:
		return []string{legacyAdminPrefix}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferLegacy {
		return []string{legacyAdminPrefix, modernAdminPrefix}
	}
	return []string{modernAdminPrefix, legacyAdminPrefix}
}

func (c *Client) rememberPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	legacy := prefix == legacyAdminPrefix
	if c.preferLegacy != legacy {
		log.Printf("keycloak path convention switched legacy=%t", legacy)
	}
	c.preferLegacy = legacy
}

// isRouteMissing separates "no such endpoint" from "no such resource". The
// latter comes back as a JSON error object naming the missing entity.
func isRouteMissing(resp *resty.Response) bool {
	if resp == nil || resp.StatusCode() != http.StatusNotFound {
		return false
	}
	raw := strings.TrimSpace(string(resp.Body()))
	if raw == "" {
		return true
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return true
	}
	message := strings.ToLower(fmt.Sprint(payload["error"], " ", payload["errorMessage"]))
	return strings.Contains(message, "resteasy003210") ||
		strings.Contains(message, "could not find resource for full path") ||
		strings.Contains(message, "unable to find matching target resource method")
}

func normalizePathMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case PathModeModern:
		return PathModeModern
	case PathModeLegacy:
		return PathModeLegacy
	default:
		return PathModeAuto
	}
}
