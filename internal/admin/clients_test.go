package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/notify"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const testAdminToken = "admin-token-123"

func TestAdminUnauthorized(t *testing.T) {
	api := setupTestAdminAPI(newFakeAPIBackend(), testAdminToken, "*")

	rec := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rec.Code, rec.Body.String())
	}

	recBad := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients", "wrong-token", nil)
	if recBad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d body=%s", recBad.Code, recBad.Body.String())
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	api := setupTestAdminAPI(newFakeAPIBackend(), "", "*")
	rec := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients", testAdminToken, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when admin api token is missing, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ADMIN_API_TOKEN") {
		t.Fatalf("expected missing setting named, got %s", rec.Body.String())
	}
}

func TestAdminHostMismatchIsNotFound(t *testing.T) {
	api := setupTestAdminAPI(newFakeAPIBackend(), testAdminToken, "https://desk.example.com/")

	rec := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients", testAdminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign host, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/api/clients", nil)
	req.Host = "desk.example.com:8443"
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testAdminToken)
	ok := httptest.NewRecorder()
	api.e.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 for configured host, got %d body=%s", ok.Code, ok.Body.String())
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"https://Desk.Example.com/": "desk.example.com",
		"desk.example.com:8080":     "desk.example.com",
		"[::1]:8080":                "::1",
		"  ":                        "",
	}
	for raw, want := range tests {
		if got := normalizeHost(raw); got != want {
			t.Fatalf("normalizeHost(%q)=%q, want %q", raw, got, want)
		}
	}
}

func TestRateLimitMiddlewareDeniesBurst(t *testing.T) {
	e := echo.New()
	e.Use(RateLimitMiddleware(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 2}))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	e := echo.New()
	e.Use(RequestIDMiddleware())
	e.GET("/id", func(c echo.Context) error { return c.String(http.StatusOK, RequestIDFromContext(c)) })

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Body.String() != "req-42" {
		t.Fatalf("expected request id echoed, got %q", rec.Body.String())
	}
}

func TestListClientsSearchesAllRealmsByDefault(t *testing.T) {
	backend := newFakeAPIBackend()
	backend.put(keycloak.ClientDetails{ClientSummary: keycloak.ClientSummary{Realm: "main", ClientID: "billing", StandardFlow: true, Enabled: true}})
	api := setupTestAdminAPI(backend, testAdminToken, "*")

	rec := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients?q=bill&max=500", testAdminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if backend.searchRealm != keycloak.AllRealms || backend.searchQuery != "bill" || backend.searchMax != apiMaxLimit {
		t.Fatalf("unexpected search args realm=%q q=%q max=%d", backend.searchRealm, backend.searchQuery, backend.searchMax)
	}

	var payload struct {
		Clients []clientSummaryDTO `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Clients) != 1 || payload.Clients[0].ClientID != "billing" || payload.Clients[0].Flows[0] != "standard" {
		t.Fatalf("unexpected clients %#v", payload.Clients)
	}

	bad := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients?max=-1", testAdminToken, nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid max, got %d", bad.Code)
	}
}

func TestGetClientDetails(t *testing.T) {
	backend := newFakeAPIBackend()
	backend.put(keycloak.ClientDetails{
		ClientSummary:       keycloak.ClientSummary{Realm: "main", ClientID: "billing"},
		RedirectURIs:        []string{"https://billing.example.com/cb"},
		LocalRoles:          []keycloak.Role{{Name: "reader"}},
		ServiceAccountRoles: []keycloak.ServiceRole{{ClientID: "crm", Role: keycloak.Role{Name: "viewer"}}},
	})
	api := setupTestAdminAPI(backend, testAdminToken, "*")

	rec := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients/main/billing", testAdminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{`"redirect_uris":["https://billing.example.com/cb"]`, `"web_origins":[]`, `"name":"reader"`, `"role":"viewer"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}

	missing := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/clients/main/ghost", testAdminToken, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestPutGrantUpsertsAndAudits(t *testing.T) {
	backend := newFakeAPIBackend()
	backend.put(keycloak.ClientDetails{ClientSummary: keycloak.ClientSummary{Realm: "main", ClientID: "billing", Name: "Billing"}})
	api := setupTestAdminAPI(backend, testAdminToken, "*")

	rec := doJSONRequest(t, api.e, http.MethodPut, "/admin/api/grants", testAdminToken, map[string]string{
		"username":  " Alice ",
		"realm":     "main",
		"client_id": "billing",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(backend.grants) != 1 {
		t.Fatalf("expected one grant, got %#v", backend.grants)
	}
	grant := backend.grants[0]
	if grant.Username != "alice" || grant.ClientName != "Billing" || grant.GrantedBy != "token:admin_api_token" {
		t.Fatalf("unexpected grant %#v", grant)
	}

	entry := backend.lastAudit()
	if entry == nil || entry.Operation != "access.grant" || !entry.Success || entry.Actor != "token:admin_api_token" || entry.TargetID != "billing" {
		t.Fatalf("unexpected audit %#v", entry)
	}
	if len(backend.notified) != 1 || !backend.notified[0].Granted {
		t.Fatalf("expected grant notification, got %#v", backend.notified)
	}

	list := doJSONRequest(t, api.e, http.MethodGet, "/admin/api/grants?username=ALICE", testAdminToken, nil)
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), `"client_id":"billing"`) {
		t.Fatalf("unexpected grant list %d %s", list.Code, list.Body.String())
	}
}

func TestPutGrantUnknownClientAuditsFailure(t *testing.T) {
	backend := newFakeAPIBackend()
	api := setupTestAdminAPI(backend, testAdminToken, "*")

	rec := doJSONRequest(t, api.e, http.MethodPut, "/admin/api/grants", testAdminToken, map[string]string{
		"username": "alice", "realm": "main", "client_id": "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	entry := backend.lastAudit()
	if entry == nil || entry.Success {
		t.Fatalf("expected failed audit, got %#v", entry)
	}
	var details map[string]any
	if err := json.Unmarshal(entry.DetailsJSON, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details["error"] != "not_found" || details["username"] != "alice" {
		t.Fatalf("unexpected details %#v", details)
	}
}

func TestPutGrantRejectsUnknownFields(t *testing.T) {
	api := setupTestAdminAPI(newFakeAPIBackend(), testAdminToken, "*")
	rec := doJSONRequest(t, api.e, http.MethodPut, "/admin/api/grants", testAdminToken, map[string]string{
		"username": "alice", "realm": "main", "client_id": "billing", "role": "admin",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteGrant(t *testing.T) {
	backend := newFakeAPIBackend()
	backend.grants = []store.AccessGrant{{Username: "alice", Realm: "main", ClientID: "billing"}}
	api := setupTestAdminAPI(backend, testAdminToken, "*")

	body := map[string]string{"username": "alice", "realm": "main", "client_id": "billing"}
	rec := doJSONRequest(t, api.e, http.MethodDelete, "/admin/api/grants", testAdminToken, body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(backend.grants) != 0 {
		t.Fatalf("expected grant removed")
	}
	if entry := backend.lastAudit(); entry == nil || entry.Operation != "access.revoke" || !entry.Success {
		t.Fatalf("unexpected audit %#v", entry)
	}

	again := doJSONRequest(t, api.e, http.MethodDelete, "/admin/api/grants", testAdminToken, body)
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing grant, got %d", again.Code)
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", keycloak.ErrNotFound), http.StatusNotFound},
		{keycloak.ErrUnknownRealm, http.StatusBadRequest},
		{keycloak.ErrConflict, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&keycloak.APIError{Status: http.StatusBadRequest}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	e := echo.New()
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := writeServiceError(c, tc.err); err != nil {
			t.Fatalf("writeServiceError returned %v", err)
		}
		if rec.Code != tc.status {
			t.Fatalf("writeServiceError(%v)=%d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}

type testAdminAPI struct {
	e *echo.Echo
}

func setupTestAdminAPI(backend *fakeAPIBackend, token string, host string) testAdminAPI {
	e := echo.New()
	group := e.Group("/admin/api", RequestIDMiddleware(), APITokenMiddleware(token, host))
	RegisterAPIRoutes(group, NewAPIHandler(backend, backend, backend, backend))
	return testAdminAPI{e: e}
}

func doJSONRequest(t *testing.T, e *echo.Echo, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if strings.TrimSpace(token) != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type fakeAPIBackend struct {
	clients  map[string]keycloak.ClientDetails
	grants   []store.AccessGrant
	audits   []store.ApiLogEntry
	notified []notify.AccessChange

	searchRealm string
	searchQuery string
	searchMax   int
}

func newFakeAPIBackend() *fakeAPIBackend {
	return &fakeAPIBackend{clients: map[string]keycloak.ClientDetails{}}
}

func (f *fakeAPIBackend) put(details keycloak.ClientDetails) {
	f.clients[details.Realm+"/"+details.ClientID] = details
}

func (f *fakeAPIBackend) lastAudit() *store.ApiLogEntry {
	if len(f.audits) == 0 {
		return nil
	}
	entry := f.audits[len(f.audits)-1]
	return &entry
}

func (f *fakeAPIBackend) Search(_ context.Context, realm string, query string, _ int, max int) ([]keycloak.ClientSummary, error) {
	f.searchRealm, f.searchQuery, f.searchMax = realm, query, max
	out := []keycloak.ClientSummary{}
	for _, details := range f.clients {
		if strings.Contains(details.ClientID, query) {
			out = append(out, details.ClientSummary)
		}
	}
	return out, nil
}

func (f *fakeAPIBackend) FindByClientID(ctx context.Context, realm string, clientID string) (*keycloak.ClientSummary, error) {
	details, err := f.Get(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}
	return &details.ClientSummary, nil
}

func (f *fakeAPIBackend) Get(_ context.Context, realm string, clientID string) (*keycloak.ClientDetails, error) {
	details, ok := f.clients[realm+"/"+clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, keycloak.ErrNotFound)
	}
	return &details, nil
}

func (f *fakeAPIBackend) UpsertAccessGrant(_ context.Context, grant store.AccessGrant) (*store.AccessGrant, error) {
	for i, existing := range f.grants {
		if existing.Username == grant.Username && existing.Realm == grant.Realm && existing.ClientID == grant.ClientID {
			f.grants[i] = grant
			return &grant, nil
		}
	}
	f.grants = append(f.grants, grant)
	return &grant, nil
}

func (f *fakeAPIBackend) DeleteAccessGrant(_ context.Context, username string, realm string, clientID string) error {
	for i, existing := range f.grants {
		if existing.Username == username && existing.Realm == realm && existing.ClientID == clientID {
			f.grants = append(f.grants[:i], f.grants[i+1:]...)
			return nil
		}
	}
	return store.ErrAccessGrantNotFound
}

func (f *fakeAPIBackend) ListAccessGrants(_ context.Context, opts store.AccessGrantListOptions) ([]store.AccessGrant, error) {
	out := []store.AccessGrant{}
	for _, grant := range f.grants {
		if opts.Username != "" && grant.Username != opts.Username {
			continue
		}
		out = append(out, grant)
	}
	return out, nil
}

func (f *fakeAPIBackend) CreateApiLogEntry(_ context.Context, entry store.ApiLogEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeAPIBackend) ClientCreated(context.Context, keycloak.ClientDetails, string) {}

func (f *fakeAPIBackend) AccessChanged(_ context.Context, change notify.AccessChange) {
	f.notified = append(f.notified, change)
}

func TestPathParamDecodesOnlyRawPaths(t *testing.T) {
	e := echo.New()
	tests := []struct {
		target string
		value  string
		want   string
	}{
		{target: "/admin/api/clients/main/a%2541", value: "a%41", want: "a%41"},
		{target: "/admin/api/clients/main/crm%2Fa", value: "crm%2Fa", want: "crm/a"},
		{target: "/admin/api/clients/main/plain", value: " plain ", want: "plain"},
	}
	for _, tc := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, tc.target, nil), httptest.NewRecorder())
		c.SetParamNames("clientId")
		c.SetParamValues(tc.value)
		if got := PathParam(c, "clientId"); got != tc.want {
			t.Fatalf("PathParam(%s)=%q, want %q", tc.target, got, tc.want)
		}
	}
}
