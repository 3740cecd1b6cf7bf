package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/houbamydar/clientdesk/internal/store"
)

type fakeClient struct {
	realm         string
	raw           map[string]any
	roles         []roleRepresentation
	defaultScopes []string
	saUserID      string
}

func (c *fakeClient) id() string       { return fmt.Sprint(c.raw["id"]) }
func (c *fakeClient) clientID() string { return fmt.Sprint(c.raw["clientId"]) }

// fakeKeycloak emulates the parts of the admin API used by ClientsService,
// served under either the modern or the legacy path layout.
type fakeKeycloak struct {
	t      *testing.T
	legacy bool

	tokenCalls atomic.Int32

	mu       sync.Mutex
	clients  []*fakeClient
	scopes   []clientScopeRepresentation
	mappings map[string]map[string][]roleRepresentation
	requests []string
	failures map[string]int
	seq      int
}

func newFakeKeycloak(t *testing.T, legacy bool) (*fakeKeycloak, *httptest.Server) {
	t.Helper()
	f := &fakeKeycloak{
		t:      t,
		legacy: legacy,
		scopes: []clientScopeRepresentation{
			{ID: "scope-profile", Name: "profile"},
			{ID: "scope-email", Name: "email"},
			{ID: "scope-roles", Name: "roles"},
		},
		mappings: map[string]map[string][]roleRepresentation{},
		failures: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeKeycloak) prefix() string {
	if f.legacy {
		return "/auth"
	}
	return ""
}

func (f *fakeKeycloak) addClient(realm string, raw map[string]any, roles ...string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if _, ok := raw["id"]; !ok {
		raw["id"] = fmt.Sprintf("uuid-%d", f.seq)
	}
	c := &fakeClient{realm: realm, raw: raw, defaultScopes: []string{"scope-profile"}}
	for _, role := range roles {
		c.roles = append(c.roles, roleRepresentation{ID: c.id() + "-" + role, Name: role})
	}
	if enabled, _ := raw["serviceAccountsEnabled"].(bool); enabled {
		c.saUserID = "sa-" + c.id()
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeKeycloak) client(realm string, clientID string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.realm == realm && c.clientID() == clientID {
			return c
		}
	}
	return nil
}

// fail makes every request matching method and the realm-relative path
// answer with status.
func (f *fakeKeycloak) fail(method string, path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+" "+path] = status
}

func (f *fakeKeycloak) requestCount(method string, pathPart string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if strings.HasPrefix(req, method+" ") && strings.Contains(req, pathPart) {
			n++
		}
	}
	return n
}

func (f *fakeKeycloak) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/protocol/openid-connect/token") {
		if r.URL.Path != f.prefix()+"/realms/master/protocol/openid-connect/token" {
			http.Error(w, "<html>Not Found</html>", http.StatusNotFound)
			return
		}
		n := f.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "bearer",
			"expires_in":   300,
		})
		return
	}

	adminPrefix := f.prefix() + "/admin/realms/"
	if !strings.HasPrefix(r.URL.Path, adminPrefix) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html><body>Not Found</body></html>"))
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, adminPrefix), "/")
	realm, segs := parts[0], parts[1:]

	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Method + " " + strings.Join(segs, "/")
	f.requests = append(f.requests, key)
	if status, ok := f.failures[key]; ok {
		w.WriteHeader(status)
		return
	}

	switch {
	case len(segs) == 1 && segs[0] == "clients":
		f.handleClients(w, r, realm)
	case len(segs) == 1 && segs[0] == "client-scopes":
		writeJSON(w, http.StatusOK, f.scopes)
	case len(segs) >= 2 && segs[0] == "clients":
		c := f.clientByUUIDLocked(realm, segs[1])
		if c == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find client"})
			return
		}
		f.handleClient(w, r, c, segs[2:])
	case len(segs) >= 3 && segs[0] == "users" && segs[2] == "role-mappings":
		f.handleMappings(w, r, segs[1], segs[3:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeKeycloak) clientByUUIDLocked(realm string, id string) *fakeClient {
	for _, c := range f.clients {
		if c.realm == realm && c.id() == id {
			return c
		}
	}
	return nil
}

func (f *fakeKeycloak) handleClients(w http.ResponseWriter, r *http.Request, realm string) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		clientID := q.Get("clientId")
		search := q.Get("search") == "true"
		first, _ := strconv.Atoi(q.Get("first"))
		max, err := strconv.Atoi(q.Get("max"))
		if err != nil || max <= 0 {
			max = 100
		}
		out := make([]map[string]any, 0)
		for _, c := range f.clients {
			if c.realm != realm {
				continue
			}
			switch {
			case clientID == "":
			case search && strings.Contains(strings.ToLower(c.clientID()), strings.ToLower(clientID)):
			case !search && c.clientID() == clientID:
			default:
				continue
			}
			out = append(out, c.raw)
		}
		if first > len(out) {
			first = len(out)
		}
		end := first + max
		if end > len(out) {
			end = len(out)
		}
		writeJSON(w, http.StatusOK, out[first:end])
	case http.MethodPost:
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, c := range f.clients {
			if c.realm == realm && c.clientID() == fmt.Sprint(raw["clientId"]) {
				writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "Client already exists"})
				return
			}
		}
		c := &fakeClient{realm: realm, raw: raw, defaultScopes: []string{"scope-profile", "scope-email"}}
		if enabled, _ := raw["serviceAccountsEnabled"].(bool); enabled {
			c.saUserID = "sa-" + c.id()
		}
		f.clients = append(f.clients, c)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeKeycloak) handleClient(w http.ResponseWriter, r *http.Request, c *fakeClient, segs []string) {
	switch {
	case len(segs) == 0:
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, c.raw)
		case http.MethodPut:
			var raw map[string]any
			if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			c.raw = raw
			if enabled, _ := raw["serviceAccountsEnabled"].(bool); enabled && c.saUserID == "" {
				c.saUserID = "sa-" + c.id()
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			for i, existing := range f.clients {
				if existing == c {
					f.clients = append(f.clients[:i], f.clients[i+1:]...)
					break
				}
			}
			w.WriteHeader(http.StatusNoContent)
		}
	case segs[0] == "roles" && len(segs) == 1:
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, c.roles)
		case http.MethodPost:
			var role roleRepresentation
			_ = json.NewDecoder(r.Body).Decode(&role)
			for _, existing := range c.roles {
				if existing.Name == role.Name {
					writeJSON(w, http.StatusConflict, map[string]string{"errorMessage": "Role with name exists"})
					return
				}
			}
			role.ID = c.id() + "-" + role.Name
			c.roles = append(c.roles, role)
			w.WriteHeader(http.StatusCreated)
		}
	case segs[0] == "roles" && len(segs) == 2:
		for i, role := range c.roles {
			if role.Name != segs[1] {
				continue
			}
			if r.Method == http.MethodDelete {
				c.roles = append(c.roles[:i], c.roles[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			writeJSON(w, http.StatusOK, role)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find role"})
	case segs[0] == "service-account-user":
		if c.saUserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Service account not enabled for the client"})
			return
		}
		writeJSON(w, http.StatusOK, userRepresentation{ID: c.saUserID, Username: "service-account-" + c.clientID()})
	case segs[0] == "default-client-scopes" && len(segs) == 1:
		out := make([]clientScopeRepresentation, 0, len(c.defaultScopes))
		for _, id := range c.defaultScopes {
			for _, scope := range f.scopes {
				if scope.ID == id {
					out = append(out, scope)
				}
			}
		}
		writeJSON(w, http.StatusOK, out)
	case segs[0] == "default-client-scopes" && len(segs) == 2:
		id := segs[1]
		kept := make([]string, 0, len(c.defaultScopes))
		for _, existing := range c.defaultScopes {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if r.Method == http.MethodPut {
			kept = append(kept, id)
		}
		c.defaultScopes = kept
		w.WriteHeader(http.StatusNoContent)
	case segs[0] == "client-secret" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, credentialRepresentation{Type: "secret", Value: "new-secret-for-" + c.clientID()})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeKeycloak) handleMappings(w http.ResponseWriter, r *http.Request, userID string, segs []string) {
	if len(segs) == 0 {
		out := mappingsRepresentation{ClientMappings: map[string]clientMappingsRepresentation{}}
		for clientUUID, roles := range f.mappings[userID] {
			owner := ""
			for _, c := range f.clients {
				if c.id() == clientUUID {
					owner = c.clientID()
				}
			}
			out.ClientMappings[owner] = clientMappingsRepresentation{ID: clientUUID, Client: owner, Mappings: roles}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if len(segs) != 2 || segs[0] != "clients" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var roles []roleRepresentation
	_ = json.NewDecoder(r.Body).Decode(&roles)
	if f.mappings[userID] == nil {
		f.mappings[userID] = map[string][]roleRepresentation{}
	}
	current := f.mappings[userID][segs[1]]
	for _, role := range roles {
		filtered := current[:0:0]
		for _, existing := range current {
			if existing.Name != role.Name {
				filtered = append(filtered, existing)
			}
		}
		current = filtered
		if r.Method == http.MethodPost {
			current = append(current, role)
		}
	}
	f.mappings[userID][segs[1]] = current
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []store.ApiLogEntry
	err     error
}

func (a *recordingAudit) CreateApiLogEntry(_ context.Context, entry store.ApiLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return a.err
}

func (a *recordingAudit) operations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, entry.Operation)
	}
	return out
}

func (a *recordingAudit) last() store.ApiLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return store.ApiLogEntry{}
	}
	return a.entries[len(a.entries)-1]
}

type fakeExclusions struct {
	clients map[string]bool
}

func (e *fakeExclusions) IsServiceRoleExcluded(_ context.Context, _ string, clientID string) (bool, error) {
	return e.clients[clientID], nil
}

func (e *fakeExclusions) ListServiceRoleExclusions(_ context.Context, realm string) ([]store.ServiceRoleExclusion, error) {
	out := make([]store.ServiceRoleExclusion, 0, len(e.clients))
	for clientID, excluded := range e.clients {
		if excluded {
			out = append(out, store.ServiceRoleExclusion{Realm: realm, ClientID: clientID})
		}
	}
	return out, nil
}

func newTestService(t *testing.T, srv *httptest.Server, mode string, realms ...string) (*ClientsService, *recordingAudit, *fakeExclusions) {
	t.Helper()
	tokens, err := NewAdminTokenProvider(TokenProviderConfig{
		BaseURL:      srv.URL,
		ClientID:     "clientdesk",
		ClientSecret: "s3cret",
		PathMode:     mode,
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewAdminTokenProvider failed: %v", err)
	}
	api, err := NewClient(ClientConfig{BaseURL: srv.URL, PathMode: mode, Timeout: 5 * time.Second}, tokens)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if len(realms) == 0 {
		realms = []string{"apps"}
	}
	audit := &recordingAudit{}
	exclusions := &fakeExclusions{clients: map[string]bool{}}
	svc := NewClientsService(api, ServiceConfig{Realms: realms, CacheTTL: time.Minute}, audit, exclusions)
	return svc, audit, exclusions
}
