package wiki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/store"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []store.ApiLogEntry
}

func (f *fakeAudit) CreateApiLogEntry(_ context.Context, entry store.ApiLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fakeConfluence struct {
	mu       sync.Mutex
	pages    map[string]map[string]any
	versions map[string]int
	requests []string
}

func newFakeConfluence(t *testing.T) (*fakeConfluence, *httptest.Server) {
	t.Helper()
	f := &fakeConfluence{pages: map[string]map[string]any{}, versions: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeConfluence) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	user, pass, ok := r.BasicAuth()
	if !ok || user != "bot" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/rest/api/content":
		title := r.URL.Query().Get("title")
		results := []map[string]any{}
		if _, ok := f.pages[title]; ok {
			results = append(results, map[string]any{
				"id":      "page-" + title,
				"title":   title,
				"version": map[string]int{"number": f.versions[title]},
			})
		}
		writeJSON(w, map[string]any{"results": results, "_links": map[string]string{"base": "https://wiki.example.com"}})
	case r.Method == http.MethodPost && r.URL.Path == "/rest/api/content":
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		title, _ := payload["title"].(string)
		f.pages[title] = payload
		f.versions[title] = 1
		writeJSON(w, map[string]any{"id": "page-" + title, "title": title, "_links": map[string]string{"webui": "/display/OPS/1"}})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/rest/api/content/"):
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		title, _ := payload["title"].(string)
		version, _ := payload["version"].(map[string]any)
		number, _ := version["number"].(float64)
		f.pages[title] = payload
		f.versions[title] = int(number)
		writeJSON(w, map[string]any{"id": "page-" + title, "title": title, "_links": map[string]string{"webui": "/display/OPS/1"}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func testDetails() keycloak.ClientDetails {
	return keycloak.ClientDetails{
		ClientSummary: keycloak.ClientSummary{
			ClientID:     "billing",
			Name:         "Billing",
			Realm:        "apps",
			Enabled:      true,
			StandardFlow: true,
		},
		RedirectURIs:  []string{"https://billing.example.com/*"},
		DefaultScopes: []string{"profile", "email"},
		LocalRoles:    []keycloak.Role{{Name: "reader", Description: "Read invoices"}},
	}
}

func TestPublishClientPageCreatesThenUpdates(t *testing.T) {
	fake, srv := newFakeConfluence(t)
	audit := &fakeAudit{}
	publisher, err := New(Config{BaseURL: srv.URL, SpaceKey: "OPS", ParentPageID: "42", User: "bot", Token: "secret"}, audit)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pageURL, err := publisher.PublishClientPage(context.Background(), testDetails())
	if err != nil {
		t.Fatalf("PublishClientPage failed: %v", err)
	}
	if pageURL != "https://wiki.example.com/display/OPS/1" {
		t.Fatalf("unexpected page url %q", pageURL)
	}

	title := PageTitle(testDetails())
	page := fake.pages[title]
	ancestors, _ := page["ancestors"].([]any)
	if len(ancestors) != 1 {
		t.Fatalf("expected parent ancestor, got %#v", page["ancestors"])
	}
	body, _ := page["body"].(map[string]any)
	storage, _ := body["storage"].(map[string]any)
	xhtml, _ := storage["value"].(string)
	if !strings.Contains(xhtml, "<h1>Billing</h1>") || !strings.Contains(xhtml, "<table>") || !strings.Contains(xhtml, "<strong>reader</strong>") {
		t.Fatalf("unexpected page body %s", xhtml)
	}

	if _, err := publisher.PublishClientPage(context.Background(), testDetails()); err != nil {
		t.Fatalf("second PublishClientPage failed: %v", err)
	}
	if fake.versions[title] != 2 {
		t.Fatalf("expected version 2 after update, got %d", fake.versions[title])
	}
	last := fake.requests[len(fake.requests)-1]
	if !strings.HasPrefix(last, http.MethodPut+" /rest/api/content/") {
		t.Fatalf("expected update request, got %s", last)
	}

	if len(audit.entries) != 2 || audit.entries[0].Operation != "wiki.publish" || !audit.entries[0].Success {
		t.Fatalf("unexpected audit entries %#v", audit.entries)
	}
}

func TestPublishClientPageAuditsFailure(t *testing.T) {
	_, srv := newFakeConfluence(t)
	audit := &fakeAudit{}
	publisher, err := New(Config{BaseURL: srv.URL, SpaceKey: "OPS", User: "bot", Token: "wrong"}, audit)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := keycloak.WithActor(context.Background(), keycloak.Actor{Name: "alice"})
	if _, err := publisher.PublishClientPage(ctx, testDetails()); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.entries))
	}
	entry := audit.entries[0]
	if entry.Success || entry.Actor != "alice" || entry.TargetID != "billing" {
		t.Fatalf("unexpected audit entry %#v", entry)
	}
}

func TestNewRequiresBaseURLAndSpace(t *testing.T) {
	if _, err := New(Config{SpaceKey: "OPS"}, nil); err == nil {
		t.Fatal("expected error without base url")
	}
	if _, err := New(Config{BaseURL: "https://wiki"}, nil); err == nil {
		t.Fatal("expected error without space key")
	}
}
