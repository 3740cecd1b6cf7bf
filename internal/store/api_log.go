package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ApiLogEntry struct {
	ID          int64
	CreatedAt   time.Time
	Operation   string
	Actor       string
	Realm       string
	TargetID    string
	Success     bool
	RequestID   string
	RemoteIP    string
	Message     string
	DetailsJSON json.RawMessage
}

type ApiLogListOptions struct {
	Limit     int
	Offset    int
	Operation string
	Actor     string
	Realm     string
	TargetID  string
	Success   *bool
}

func (s *Store) CreateApiLogEntry(ctx context.Context, entry ApiLogEntry) error {
	normalized, err := normalizeApiLogEntry(entry)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_log (
			operation, actor, realm, target_id, success, request_id, remote_ip, message, details_json
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`,
		normalized.Operation,
		normalized.Actor,
		normalized.Realm,
		normalized.TargetID,
		normalized.Success,
		normalized.RequestID,
		normalized.RemoteIP,
		normalized.Message,
		string(normalized.DetailsJSON),
	)
	return err
}

func (s *Store) ListApiLogEntries(ctx context.Context, opts ApiLogListOptions) ([]ApiLogEntry, error) {
	limit, offset := normalizeListWindow(opts.Limit, opts.Offset)

	operationPattern := likePattern(opts.Operation)
	actorPattern := likePattern(opts.Actor)
	targetPattern := likePattern(opts.TargetID)
	realm := strings.TrimSpace(opts.Realm)
	var successFilter any
	if opts.Success != nil {
		successFilter = *opts.Success
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, operation, actor, realm, target_id, success, request_id, remote_ip, message, details_json
		FROM api_log
		WHERE ($1 = '' OR lower(operation) LIKE $1 ESCAPE '\')
		  AND ($2 = '' OR lower(actor) LIKE $2 ESCAPE '\')
		  AND ($3 = '' OR realm = $3)
		  AND ($4 = '' OR lower(target_id) LIKE $4 ESCAPE '\')
		  AND ($5::boolean IS NULL OR success = $5)
		ORDER BY id DESC
		LIMIT $6 OFFSET $7
	`, operationPattern, actorPattern, realm, targetPattern, successFilter, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanApiLogRows(rows, limit)
}

func scanApiLogRows(rows *sql.Rows, capacity int) ([]ApiLogEntry, error) {
	out := make([]ApiLogEntry, 0, capacity)
	for rows.Next() {
		var item ApiLogEntry
		var details []byte
		err := rows.Scan(&item.ID, &item.CreatedAt, &item.Operation, &item.Actor, &item.Realm, &item.TargetID,
			&item.Success, &item.RequestID, &item.RemoteIP, &item.Message, &details)
		if err != nil {
			return nil, err
		}
		for _, field := range []*string{&item.Operation, &item.Actor, &item.Realm, &item.TargetID, &item.RequestID, &item.RemoteIP} {
			*field = strings.TrimSpace(*field)
		}
		item.DetailsJSON = append(json.RawMessage(nil), details...)
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountApiLogFailuresSince defaults to the last 24 hours for a zero since.
func (s *Store) CountApiLogFailuresSince(ctx context.Context, since time.Time) (int, error) {
	count, err := s.countApiLog(ctx, "success = false AND created_at >= $1", sinceOrLastDay(since))
	return int(count), err
}

func (s *Store) CountApiLogEntriesSince(ctx context.Context, since time.Time) (int, error) {
	count, err := s.countApiLog(ctx, "created_at >= $1", sinceOrLastDay(since))
	return int(count), err
}

func (s *Store) CountApiLogEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff time is required")
	}
	return s.countApiLog(ctx, "created_at < $1", cutoff.UTC())
}

func (s *Store) countApiLog(ctx context.Context, where string, at time.Time) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_log WHERE "+where, at).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func sinceOrLastDay(since time.Time) time.Time {
	if since.IsZero() {
		return time.Now().UTC().Add(-24 * time.Hour)
	}
	return since.UTC()
}

func (s *Store) DeleteApiLogEntriesOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff time is required")
	}
	batchLimit := normalizeRetentionDeleteBatch(limit)

	res, err := s.db.ExecContext(ctx, `
		WITH to_delete AS (
			SELECT id
			FROM api_log
			WHERE created_at < $1
			ORDER BY id ASC
			LIMIT $2
		)
		DELETE FROM api_log target
		USING to_delete d
		WHERE target.id = d.id
	`, cutoff.UTC(), batchLimit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func normalizeApiLogEntry(entry ApiLogEntry) (ApiLogEntry, error) {
	entry.Operation = strings.TrimSpace(entry.Operation)
	if entry.Operation == "" {
		return ApiLogEntry{}, fmt.Errorf("api log operation is required")
	}

	entry.Actor = strings.TrimSpace(entry.Actor)
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	entry.Realm = strings.TrimSpace(entry.Realm)
	entry.TargetID = strings.TrimSpace(entry.TargetID)
	entry.RequestID = strings.TrimSpace(entry.RequestID)
	entry.RemoteIP = strings.TrimSpace(entry.RemoteIP)
	entry.Message = strings.TrimSpace(entry.Message)

	if len(entry.DetailsJSON) == 0 {
		entry.DetailsJSON = json.RawMessage(`{}`)
		return entry, nil
	}

	var decoded any
	if err := json.Unmarshal(entry.DetailsJSON, &decoded); err != nil {
		return ApiLogEntry{}, fmt.Errorf("invalid details_json: %w", err)
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return ApiLogEntry{}, err
	}
	entry.DetailsJSON = encoded
	return entry, nil
}

func normalizeListWindow(limit int, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func normalizeRetentionDeleteBatch(limit int) int {
	if limit <= 0 {
		return 1000
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a case-insensitive substring match for LIKE ... ESCAPE '\'.
func likePattern(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(strings.ToLower(raw)) + "%"
}
