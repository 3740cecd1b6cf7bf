package adminui

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const statsTopOperationsLimit = 8

type StatsRange string

const (
	StatsRange7d  StatsRange = "7d"
	StatsRange30d StatsRange = "30d"
	StatsRange90d StatsRange = "90d"
)

type StatsSummary struct {
	Grants           int `json:"grants"`
	Grantees         int `json:"grantees"`
	Exclusions       int `json:"exclusions"`
	AuditEntries24h  int `json:"audit_entries_24h"`
	AuditFailures24h int `json:"audit_failures_24h"`
	ActiveSessions   int `json:"active_sessions"`
}

type StatsActivityPoint struct {
	Date    string `json:"date"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
}

type StatsOperationPoint struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

type StatsSnapshot struct {
	Range          StatsRange            `json:"range"`
	Days           int                   `json:"days"`
	GeneratedAt    time.Time             `json:"generated_at"`
	StartDate      string                `json:"start_date"`
	EndDate        string                `json:"end_date"`
	Summary        StatsSummary          `json:"summary"`
	ActivitySeries []StatsActivityPoint  `json:"activity_series"`
	TopOperations  []StatsOperationPoint `json:"top_operations"`
}

type StatsProvider interface {
	GetStatsSnapshot(ctx context.Context, statsRange StatsRange) (*StatsSnapshot, error)
}

type statsStore interface {
	CountAccessGrants(ctx context.Context) (grants int, grantees int, err error)
	CountServiceRoleExclusions(ctx context.Context) (int, error)
	CountApiLogEntriesSince(ctx context.Context, since time.Time) (int, error)
	CountApiLogFailuresSince(ctx context.Context, since time.Time) (int, error)
}

type sessionCounter interface {
	CountActiveSessions(ctx context.Context) (int, error)
}

type StatsService struct {
	store    statsStore
	db       *sql.DB
	sessions sessionCounter
	now      func() time.Time
}

func NewStatsService(st statsStore, db *sql.DB, sessions sessionCounter, now func() time.Time) *StatsService {
	if now == nil {
		now = time.Now
	}
	return &StatsService{
		store:    st,
		db:       db,
		sessions: sessions,
		now:      now,
	}
}

func ParseStatsRange(raw string) StatsRange {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StatsRange30d):
		return StatsRange30d
	case string(StatsRange90d):
		return StatsRange90d
	default:
		return StatsRange7d
	}
}

func (r StatsRange) Days() int {
	switch ParseStatsRange(string(r)) {
	case StatsRange30d:
		return 30
	case StatsRange90d:
		return 90
	default:
		return 7
	}
}

func (r StatsRange) String() string {
	return string(ParseStatsRange(string(r)))
}

func NewEmptyStatsSnapshot(statsRange StatsRange, now time.Time) *StatsSnapshot {
	statsRange = ParseStatsRange(string(statsRange))
	days := statsRange.Days()
	startUTC, _ := statsWindowUTC(now, days)
	labels := statsDateLabelsUTC(startUTC, days)
	return &StatsSnapshot{
		Range:          statsRange,
		Days:           days,
		GeneratedAt:    now.UTC(),
		StartDate:      labels[0],
		EndDate:        labels[len(labels)-1],
		ActivitySeries: buildStatsActivitySeries(labels, map[string]StatsActivityPoint{}),
		TopOperations:  []StatsOperationPoint{},
	}
}

func (s *StatsService) GetStatsSnapshot(ctx context.Context, statsRange StatsRange) (*StatsSnapshot, error) {
	statsRange = ParseStatsRange(string(statsRange))
	now := time.Now().UTC()
	if s != nil && s.now != nil {
		now = s.now().UTC()
	}
	snapshot := NewEmptyStatsSnapshot(statsRange, now)
	if s == nil || s.store == nil {
		return snapshot, nil
	}

	grants, grantees, err := s.store.CountAccessGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("count access grants: %w", err)
	}
	exclusions, err := s.store.CountServiceRoleExclusions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count service role exclusions: %w", err)
	}
	since := now.Add(-24 * time.Hour)
	entries, err := s.store.CountApiLogEntriesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count api log entries: %w", err)
	}
	failures, err := s.store.CountApiLogFailuresSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count api log failures: %w", err)
	}
	snapshot.Summary = StatsSummary{
		Grants:           grants,
		Grantees:         grantees,
		Exclusions:       exclusions,
		AuditEntries24h:  entries,
		AuditFailures24h: failures,
	}
	if s.sessions != nil {
		// Best effort.
		if active, err := s.sessions.CountActiveSessions(ctx); err == nil {
			snapshot.Summary.ActiveSessions = active
		}
	}

	if s.db == nil {
		return snapshot, nil
	}
	startUTC, endExclusiveUTC := statsWindowUTC(now, snapshot.Days)
	labels := statsDateLabelsUTC(startUTC, snapshot.Days)

	activityRows, err := s.db.QueryContext(ctx, `
		SELECT
			((created_at AT TIME ZONE 'UTC')::date)::text AS day,
			COUNT(*) FILTER (WHERE success)::bigint AS success,
			COUNT(*) FILTER (WHERE NOT success)::bigint AS failure
		FROM api_log
		WHERE created_at >= $1
		  AND created_at < $2
		GROUP BY day
	`, startUTC, endExclusiveUTC)
	if err != nil {
		return nil, fmt.Errorf("query api log activity stats: %w", err)
	}
	byDate := map[string]StatsActivityPoint{}
	for activityRows.Next() {
		var point StatsActivityPoint
		if err := activityRows.Scan(&point.Date, &point.Success, &point.Failure); err != nil {
			activityRows.Close()
			return nil, fmt.Errorf("scan api log activity stats: %w", err)
		}
		byDate[point.Date] = point
	}
	if err := activityRows.Err(); err != nil {
		activityRows.Close()
		return nil, fmt.Errorf("iterate api log activity stats: %w", err)
	}
	activityRows.Close()
	snapshot.ActivitySeries = buildStatsActivitySeries(labels, byDate)

	operationRows, err := s.db.QueryContext(ctx, `
		SELECT operation, COUNT(*)::bigint AS total
		FROM api_log
		WHERE created_at >= $1
		  AND created_at < $2
		GROUP BY operation
		ORDER BY total DESC, operation ASC
		LIMIT $3
	`, startUTC, endExclusiveUTC, statsTopOperationsLimit)
	if err != nil {
		return nil, fmt.Errorf("query top operations stats: %w", err)
	}
	defer operationRows.Close()
	for operationRows.Next() {
		var point StatsOperationPoint
		if err := operationRows.Scan(&point.Operation, &point.Count); err != nil {
			return nil, fmt.Errorf("scan top operations stats: %w", err)
		}
		snapshot.TopOperations = append(snapshot.TopOperations, point)
	}
	if err := operationRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top operations stats: %w", err)
	}
	return snapshot, nil
}

func statsWindowUTC(now time.Time, days int) (time.Time, time.Time) {
	if days <= 0 {
		days = StatsRange7d.Days()
	}
	endExclusiveUTC := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	startUTC := endExclusiveUTC.AddDate(0, 0, -days)
	return startUTC, endExclusiveUTC
}

func statsDateLabelsUTC(startUTC time.Time, days int) []string {
	if days <= 0 {
		return []string{}
	}
	labels := make([]string, 0, days)
	day := startUTC.UTC().Truncate(24 * time.Hour)
	for idx := 0; idx < days; idx++ {
		labels = append(labels, day.Format("2006-01-02"))
		day = day.Add(24 * time.Hour)
	}
	return labels
}

func buildStatsActivitySeries(labels []string, byDate map[string]StatsActivityPoint) []StatsActivityPoint {
	points := make([]StatsActivityPoint, 0, len(labels))
	for _, date := range labels {
		point := byDate[date]
		point.Date = date
		points = append(points, point)
	}
	return points
}
