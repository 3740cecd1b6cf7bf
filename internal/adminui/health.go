package adminui

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/redis/go-redis/v9"
)

const healthRecentFailuresDefaultLimit = 10

type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusDown     HealthStatus = "down"
	HealthStatusDisabled HealthStatus = "disabled"
	HealthStatusUnknown  HealthStatus = "unknown"
)

type HealthCheckResult struct {
	Status    HealthStatus
	Message   string
	LatencyMS int64
	CheckedAt time.Time
}

type RetentionHealth struct {
	Table         string
	RetentionDays int
	Enabled       bool
	Eligible      int64
	Error         string
}

type RecentFailureItem struct {
	Time      time.Time
	Operation string
	Actor     string
	Target    string
	Message   string
	Link      string
}

type SystemHealthSnapshot struct {
	GeneratedAt    time.Time
	Postgres       HealthCheckResult
	Redis          HealthCheckResult
	Keycloak       HealthCheckResult
	KeycloakPaths  string
	Wiki           HealthCheckResult
	Mailer         HealthCheckResult
	Retention      RetentionHealth
	RecentFailures []RecentFailureItem
}

type SystemHealthProvider interface {
	GetSystemHealthSnapshot(ctx context.Context) (*SystemHealthSnapshot, error)
}

type healthAuditStore interface {
	ListApiLogEntries(ctx context.Context, opts store.ApiLogListOptions) ([]store.ApiLogEntry, error)
	CountApiLogEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type redisHealthClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type postgresHealthClient interface {
	Ping(ctx context.Context) error
}

// KeycloakHealthClient is satisfied by the keycloak admin API client.
type KeycloakHealthClient interface {
	Ping(ctx context.Context) error
	Mode() string
	UsingLegacyPaths() bool
}

type SystemHealthConfig struct {
	WikiConfigured      bool
	MailerConfigured    bool
	APILogRetentionDays int
	RecentFailuresLimit int
	CheckTimeout        time.Duration
	Now                 func() time.Time
}

type SystemHealthService struct {
	postgresCheck func(ctx context.Context) error
	redisCheck    func(ctx context.Context) error
	keycloakCheck func(ctx context.Context) error
	keycloakPaths func() string
	auditStore    healthAuditStore
	cfg           SystemHealthConfig
}

func NewSystemHealthService(db postgresHealthClient, redisClient redisHealthClient, kc KeycloakHealthClient, auditStore healthAuditStore, cfg SystemHealthConfig) *SystemHealthService {
	svc := &SystemHealthService{
		auditStore: auditStore,
		cfg:        normalizeSystemHealthConfig(cfg),
	}
	if db != nil {
		svc.postgresCheck = db.Ping
	}
	if redisClient != nil {
		svc.redisCheck = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if kc != nil {
		svc.keycloakCheck = kc.Ping
		svc.keycloakPaths = func() string {
			current := "modern"
			if kc.UsingLegacyPaths() {
				current = "legacy"
			}
			return "mode=" + kc.Mode() + " current=" + current
		}
	}
	return svc
}

func (s *SystemHealthService) GetSystemHealthSnapshot(ctx context.Context) (*SystemHealthSnapshot, error) {
	now := s.cfg.Now().UTC()
	snapshot := &SystemHealthSnapshot{GeneratedAt: now}

	snapshot.Postgres = runHealthCheck(ctx, s.cfg.CheckTimeout, s.postgresCheck, "Postgres ping ok")
	snapshot.Redis = runHealthCheck(ctx, s.cfg.CheckTimeout, s.redisCheck, "Redis ping ok")
	snapshot.Keycloak = runHealthCheck(ctx, s.cfg.CheckTimeout, s.keycloakCheck, "Admin token acquired")
	if s.keycloakPaths != nil {
		snapshot.KeycloakPaths = s.keycloakPaths()
	}
	snapshot.Wiki = optionalHealthStatus(s.cfg.WikiConfigured, "Confluence publishing configured")
	snapshot.Mailer = optionalHealthStatus(s.cfg.MailerConfigured, "SMTP notifications configured")

	snapshot.Retention = RetentionHealth{
		Table:         "api_log",
		RetentionDays: s.cfg.APILogRetentionDays,
		Enabled:       s.cfg.APILogRetentionDays > 0,
	}
	if s.auditStore == nil {
		return snapshot, nil
	}

	if snapshot.Retention.Enabled {
		cutoff := now.Add(-time.Duration(s.cfg.APILogRetentionDays) * 24 * time.Hour)
		eligible, err := s.auditStore.CountApiLogEntriesOlderThan(ctx, cutoff)
		if err != nil {
			snapshot.Retention.Error = "failed to count eligible rows"
		} else {
			snapshot.Retention.Eligible = eligible
		}
	}

	failed := false
	entries, err := s.auditStore.ListApiLogEntries(ctx, store.ApiLogListOptions{
		Limit:   s.cfg.RecentFailuresLimit,
		Success: &failed,
	})
	if err == nil {
		snapshot.RecentFailures = buildRecentFailureItems(entries)
	}
	return snapshot, nil
}

// Overall is down when a required dependency is down.
func (s *SystemHealthSnapshot) Overall() HealthStatus {
	for _, check := range []HealthCheckResult{s.Postgres, s.Redis, s.Keycloak} {
		if check.Status == HealthStatusDown {
			return HealthStatusDown
		}
	}
	for _, check := range []HealthCheckResult{s.Postgres, s.Redis, s.Keycloak} {
		if check.Status != HealthStatusOK {
			return HealthStatusDegraded
		}
	}
	if len(s.RecentFailures) > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusOK
}

func normalizeSystemHealthConfig(cfg SystemHealthConfig) SystemHealthConfig {
	if cfg.RecentFailuresLimit <= 0 {
		cfg.RecentFailuresLimit = healthRecentFailuresDefaultLimit
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// runHealthCheck times a single dependency check. A nil check reports
// unknown rather than down.
func runHealthCheck(ctx context.Context, timeout time.Duration, check func(context.Context) error, okMessage string) HealthCheckResult {
	result := HealthCheckResult{CheckedAt: time.Now().UTC()}
	if check == nil {
		result.Status, result.Message = HealthStatusUnknown, "check unavailable"
		return result
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	err := check(checkCtx)
	result.LatencyMS = max(time.Since(started).Milliseconds(), 0)
	if err != nil {
		result.Status, result.Message = HealthStatusDown, strings.TrimSpace(err.Error())
		return result
	}
	result.Status, result.Message = HealthStatusOK, okMessage
	return result
}

func optionalHealthStatus(configured bool, message string) HealthCheckResult {
	result := HealthCheckResult{Status: HealthStatusOK, Message: message, CheckedAt: time.Now().UTC()}
	if !configured {
		result.Status, result.Message = HealthStatusDisabled, "not configured"
	}
	return result
}

func buildRecentFailureItems(entries []store.ApiLogEntry) []RecentFailureItem {
	items := make([]RecentFailureItem, 0, len(entries))
	for _, entry := range entries {
		message := strings.TrimSpace(entry.Message)
		if parsed := parseFailureMessage(entry.DetailsJSON); parsed != "" {
			message = parsed
		}
		if message == "" {
			message = "operation failed"
		}
		link := "/admin/audit?success=failure&operation=" + url.QueryEscape(strings.TrimSpace(entry.Operation))
		items = append(items, RecentFailureItem{
			Time:      entry.CreatedAt.UTC(),
			Operation: strings.TrimSpace(entry.Operation),
			Actor:     strings.TrimSpace(entry.Actor),
			Target:    strings.TrimSpace(entry.TargetID),
			Message:   message,
			Link:      link,
		})
	}
	return items
}

func parseFailureMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	for _, key := range []string{"error", "error_code", "reason"} {
		if value, ok := decoded[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
