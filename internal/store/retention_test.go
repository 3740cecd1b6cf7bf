package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNormalizeRetentionDeleteBatch(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "default when non-positive", in: 0, want: 1000},
		{name: "default when negative", in: -10, want: 1000},
		{name: "keeps valid limit", in: 500, want: 500},
		{name: "caps too large", in: 12000, want: 10000},
	}

	for _, tc := range tests {
		if got := normalizeRetentionDeleteBatch(tc.in); got != tc.want {
			t.Fatalf("%s: normalizeRetentionDeleteBatch(%d)=%d want %d", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestRetentionMethodsRequireCutoff(t *testing.T) {
	s := &Store{}
	ctx := context.Background()

	if _, err := s.CountApiLogEntriesOlderThan(ctx, time.Time{}); err == nil {
		t.Fatal("CountApiLogEntriesOlderThan expected error for zero cutoff")
	}
	if _, err := s.DeleteApiLogEntriesOlderThan(ctx, time.Time{}, 100); err == nil {
		t.Fatal("DeleteApiLogEntriesOlderThan expected error for zero cutoff")
	}
}

func TestDeleteApiLogEntriesOlderThanUsesBatchLimit(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM api_log").
		WithArgs(cutoff, 10000).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := s.DeleteApiLogEntriesOlderThan(context.Background(), cutoff, 50000)
	if err != nil {
		t.Fatalf("DeleteApiLogEntriesOlderThan failed: %v", err)
	}
	if deleted != 42 {
		t.Fatalf("deleted=%d want 42", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithMigrationsTable(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "postgres://db/app", want: "postgres://db/app?x-migrations-table=clientdesk_schema_migrations"},
		{in: "postgres://db/app?sslmode=disable", want: "postgres://db/app?sslmode=disable&x-migrations-table=clientdesk_schema_migrations"},
		{in: "postgres://db/app?x-migrations-table=custom", want: "postgres://db/app?x-migrations-table=custom"},
	}
	for _, tc := range tests {
		if got := withMigrationsTable(tc.in); got != tc.want {
			t.Fatalf("withMigrationsTable(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestMigrationNamesEmbedded(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("MigrationNames failed: %v", err)
	}
	if len(names) == 0 || names[0] != "000001_init.up.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}
