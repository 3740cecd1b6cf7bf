package main

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/maintenance"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/spf13/cobra"
)

type retentionOptions struct {
	DryRun        bool
	RetentionDays int
	BatchSize     int
}

func newCleanupRetentionCmd(cfg *config.Config) *cobra.Command {
	var opts retentionOptions

	cmd := &cobra.Command{
		Use:   "cleanup-retention",
		Short: "Delete api_log rows older than the retention window",
		Long: `Deletes api_log rows older than API_LOG_RETENTION_DAYS in batches.
A retention of 0 disables the cleanup. Use --dry-run to only count eligible rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			resolved := resolveRetentionOptions(*cfg, opts, cmd.Flags().Changed("retention-days"), cmd.Flags().Changed("batch-size"))

			db, err := sql.Open("postgres", cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			st := store.New(db)
			if err := st.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("connect database: %w", err)
			}

			result, err := maintenance.RunRetentionCleanup(cmd.Context(), st, maintenance.RetentionConfig{
				RetentionDays:   resolved.RetentionDays,
				DeleteBatchSize: resolved.BatchSize,
				Logger:          log.Default(),
			}, resolved.DryRun)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatRetentionResult(result))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "count eligible rows without deleting")
	cmd.Flags().IntVar(&opts.RetentionDays, "retention-days", 0, "override API_LOG_RETENTION_DAYS")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "override RETENTION_DELETE_BATCH_SIZE")
	return cmd
}

// resolveRetentionOptions falls back to configuration for flags that were not
// set on the command line.
func resolveRetentionOptions(cfg config.Config, flags retentionOptions, daysSet bool, batchSet bool) retentionOptions {
	out := retentionOptions{
		DryRun:        flags.DryRun,
		RetentionDays: cfg.APILogRetentionDays,
		BatchSize:     cfg.RetentionDeleteBatchSize,
	}
	if daysSet {
		out.RetentionDays = flags.RetentionDays
	}
	if batchSet {
		out.BatchSize = flags.BatchSize
	}
	return out
}

func formatRetentionResult(result maintenance.RetentionResult) string {
	if result.Skipped {
		return fmt.Sprintf("retention cleanup skipped: %s retention disabled", result.Table)
	}
	took := result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond)
	if result.DryRun {
		return fmt.Sprintf("dry run: %d %s rows older than %s would be deleted", result.EligibleCount, result.Table, result.Cutoff.Format(time.RFC3339))
	}
	return fmt.Sprintf("deleted %d of %d %s rows older than %s in %d batches (%s)", result.DeletedCount, result.EligibleCount, result.Table, result.Cutoff.Format(time.RFC3339), result.Batches, took)
}
