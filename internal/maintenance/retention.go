package maintenance

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/houbamydar/clientdesk/internal/store"
)

const (
	DefaultRetentionDays   = 365
	DefaultDeleteBatchSize = 1000
	MaxDeleteBatchSize     = 10000

	apiLogTable       = "api_log"
	cleanupOperation  = "retention.cleanup"
	cleanupActorLabel = "system:retention"
)

type RetentionStore interface {
	CountApiLogEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteApiLogEntriesOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	CreateApiLogEntry(ctx context.Context, entry store.ApiLogEntry) error
}

type Logger interface {
	Printf(format string, v ...any)
}

type RetentionConfig struct {
	RetentionDays   int
	DeleteBatchSize int
	Logger          Logger
	Now             func() time.Time
}

type RetentionResult struct {
	Table         string
	RetentionDays int
	DryRun        bool
	Skipped       bool
	BatchSize     int
	Cutoff        time.Time
	EligibleCount int64
	DeletedCount  int64
	Batches       int
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunRetentionCleanup removes api_log rows older than the retention window in
// batches. A non-positive window skips the run. Real runs are recorded in
// api_log themselves, after the deletes.
func RunRetentionCleanup(ctx context.Context, st RetentionStore, cfg RetentionConfig, dryRun bool) (RetentionResult, error) {
	cfg = normalizeRetentionConfig(cfg)
	logger := cfg.Logger
	result := RetentionResult{
		Table:         apiLogTable,
		RetentionDays: cfg.RetentionDays,
		DryRun:        dryRun,
		BatchSize:     cfg.DeleteBatchSize,
		StartedAt:     cfg.Now().UTC(),
	}

	if cfg.RetentionDays <= 0 {
		result.Skipped = true
		result.FinishedAt = cfg.Now().UTC()
		logger.Printf("retention.cleanup.done table=%s skipped=true reason=retention_disabled", apiLogTable)
		return result, nil
	}

	result.Cutoff = result.StartedAt.AddDate(0, 0, -cfg.RetentionDays)
	eligible, err := st.CountApiLogEntriesOlderThan(ctx, result.Cutoff)
	if err != nil {
		logger.Printf("retention.cleanup.error table=%s stage=count err=%v", apiLogTable, err)
		return result, err
	}
	result.EligibleCount = eligible
	logger.Printf("retention.cleanup.start table=%s cutoff=%s dry_run=%t eligible=%d batch_size=%d", apiLogTable, result.Cutoff.Format(time.RFC3339), dryRun, eligible, cfg.DeleteBatchSize)

	if dryRun {
		result.FinishedAt = cfg.Now().UTC()
		logger.Printf("retention.cleanup.done table=%s dry_run=true eligible=%d deleted=0", apiLogTable, eligible)
		return result, nil
	}

	for eligible > 0 {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = cfg.Now().UTC()
			recordCleanup(ctx, st, result, err, logger)
			return result, err
		}
		deleted, err := st.DeleteApiLogEntriesOlderThan(ctx, result.Cutoff, cfg.DeleteBatchSize)
		if err != nil {
			logger.Printf("retention.cleanup.error table=%s stage=delete batch=%d err=%v", apiLogTable, result.Batches+1, err)
			result.FinishedAt = cfg.Now().UTC()
			recordCleanup(ctx, st, result, err, logger)
			return result, err
		}
		if deleted <= 0 {
			break
		}
		result.Batches++
		result.DeletedCount += deleted
		logger.Printf("retention.cleanup.batch table=%s batch=%d deleted=%d deleted_total=%d", apiLogTable, result.Batches, deleted, result.DeletedCount)
	}

	result.FinishedAt = cfg.Now().UTC()
	logger.Printf("retention.cleanup.done table=%s dry_run=false eligible=%d deleted=%d batches=%d", apiLogTable, result.EligibleCount, result.DeletedCount, result.Batches)
	recordCleanup(ctx, st, result, nil, logger)
	return result, nil
}

func recordCleanup(ctx context.Context, st RetentionStore, result RetentionResult, runErr error, logger Logger) {
	details := map[string]any{
		"retention_days": result.RetentionDays,
		"cutoff":         result.Cutoff.Format(time.RFC3339),
		"eligible":       result.EligibleCount,
		"deleted":        result.DeletedCount,
		"batches":        result.Batches,
	}
	message := ""
	if runErr != nil {
		message = runErr.Error()
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	entry := store.ApiLogEntry{
		Operation:   cleanupOperation,
		Actor:       cleanupActorLabel,
		TargetID:    apiLogTable,
		Success:     runErr == nil,
		Message:     message,
		DetailsJSON: raw,
	}
	if err := st.CreateApiLogEntry(context.WithoutCancel(ctx), entry); err != nil {
		logger.Printf("retention.cleanup.audit_failed table=%s err=%v", apiLogTable, err)
	}
}

func normalizeRetentionConfig(cfg RetentionConfig) RetentionConfig {
	if cfg.DeleteBatchSize <= 0 {
		cfg.DeleteBatchSize = DefaultDeleteBatchSize
	} else if cfg.DeleteBatchSize > MaxDeleteBatchSize {
		cfg.DeleteBatchSize = MaxDeleteBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}
