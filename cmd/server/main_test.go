package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/maintenance"
	"github.com/houbamydar/clientdesk/internal/store"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "status"},
		{"cleanup-retention"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if cmd.Name() != path[len(path)-1] {
			t.Fatalf("find %v returned %q", path, cmd.Name())
		}
	}
}

func TestCleanupRetentionFlags(t *testing.T) {
	cmd := newCleanupRetentionCmd(&config.Config{})
	for _, name := range []string{"dry-run", "retention-days", "batch-size"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("expected --%s flag", name)
		}
	}
}

func TestParseDownSteps(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{args: nil, want: 1},
		{args: []string{"3"}, want: 3},
		{args: []string{" 2 "}, want: 2},
		{args: []string{"0"}, wantErr: true},
		{args: []string{"-1"}, wantErr: true},
		{args: []string{"all"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDownSteps(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseDownSteps(%v) expected error", tt.args)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseDownSteps(%v) = %d, %v; want %d", tt.args, got, err, tt.want)
		}
	}
}

func TestResolveRetentionOptions(t *testing.T) {
	cfg := config.Config{APILogRetentionDays: 365, RetentionDeleteBatchSize: 1000}

	got := resolveRetentionOptions(cfg, retentionOptions{DryRun: true}, false, false)
	if !got.DryRun || got.RetentionDays != 365 || got.BatchSize != 1000 {
		t.Fatalf("unexpected defaults %#v", got)
	}

	got = resolveRetentionOptions(cfg, retentionOptions{RetentionDays: 0, BatchSize: 50}, true, true)
	if got.RetentionDays != 0 || got.BatchSize != 50 {
		t.Fatalf("explicit flags must win, got %#v", got)
	}
}

func TestFormatRetentionResult(t *testing.T) {
	cutoff := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	skipped := formatRetentionResult(maintenance.RetentionResult{Table: "api_log", Skipped: true})
	if !strings.Contains(skipped, "skipped") {
		t.Fatalf("unexpected skipped output %q", skipped)
	}

	dry := formatRetentionResult(maintenance.RetentionResult{Table: "api_log", DryRun: true, EligibleCount: 7, Cutoff: cutoff})
	if !strings.Contains(dry, "dry run: 7 api_log rows") {
		t.Fatalf("unexpected dry run output %q", dry)
	}

	done := formatRetentionResult(maintenance.RetentionResult{Table: "api_log", EligibleCount: 7, DeletedCount: 7, Batches: 2, Cutoff: cutoff})
	if !strings.Contains(done, "deleted 7 of 7 api_log rows") || !strings.Contains(done, "in 2 batches") {
		t.Fatalf("unexpected output %q", done)
	}
}

func TestFormatMigrationStatus(t *testing.T) {
	if got := formatMigrationStatus(store.MigrationStatus{}); got != "schema version: none" {
		t.Fatalf("unexpected %q", got)
	}
	if got := formatMigrationStatus(store.MigrationStatus{Version: 4, Applied: true, Dirty: true}); got != "schema version: 4 (dirty)" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestEchoRootRedirectsAndHealthz(t *testing.T) {
	e := newEcho()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/admin/" {
		t.Fatalf("unexpected root response %d %q", rec.Code, rec.Header().Get("Location"))
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected healthz response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRootCommandDefaultsToServe(t *testing.T) {
	if newRootCmd().RunE == nil {
		t.Fatal("expected root command to run serve by default")
	}
}
