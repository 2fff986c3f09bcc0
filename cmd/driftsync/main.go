package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/backfill"
	"github.com/driftdata/driftsync/pkg/classify"
	"github.com/driftdata/driftsync/pkg/clients"
	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
	"github.com/driftdata/driftsync/pkg/source"
	syncer "github.com/driftdata/driftsync/pkg/sync"
	"github.com/driftdata/driftsync/pkg/warehouse"

	// Import all available source adapters to register them
	_ "github.com/driftdata/driftsync/pkg/source/github"
	"github.com/driftdata/driftsync/pkg/source/hackernews"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := &cobra.Command{
		Use:   "driftsync",
		Short: "driftsync - Personal analytics warehouse sync engine",
		Long: `driftsync keeps a BigQuery analytics warehouse in step with external
activity sources. Each sync run pulls a time window from a source, stages the
records and merges them into the raw table by primary key, so re-running any
window never duplicates rows.`,
	}

	var metricsAddr string
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"Address to expose Prometheus metrics on (e.g. :9090); empty disables")

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftsync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// List command to show registered sources
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available sources",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available sources:")
			for _, name := range source.List() {
				def, _ := source.Lookup(name)
				fmt.Printf("  - %-12s -> %s.%s\n", name, def.Dataset, def.Table())
			}
		},
	})

	root.AddCommand(newSyncCmd(&metricsAddr))
	root.AddCommand(newBackfillCmd(&metricsAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSyncCmd(metricsAddr *string) *cobra.Command {
	var (
		sourceName   string
		full         bool
		lookbackDays int
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a source into the warehouse",
		Long: `Sync pulls one source over its lookback window and merges the records
into its raw table. Incremental mode covers the source's default lookback;
--full covers the source's full history window. Either can be overridden
with --lookback-days.

Example:
  driftsync sync --source github_prs --lookback-days 14`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*metricsAddr)
			if err != nil {
				return err
			}
			if batchSize > 0 {
				cfg.Sync.BatchSize = batchSize
			}
			if lookbackDays > 0 {
				cfg.Sync.LookbackDays = lookbackDays
			}
			return runSync(cmd.Context(), cfg, sourceName, full)
		},
	}

	cmd.Flags().StringVarP(&sourceName, "source", "s", "", "Source to sync (required, see list)")
	_ = cmd.MarkFlagRequired("source")
	cmd.Flags().BoolVar(&full, "full", false, "Sync the source's full history window instead of the incremental lookback")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 0, "Override the lookback window in days")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records staged and merged per batch")

	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, sourceName string, full bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, def, err := source.Create(sourceName, cfg)
	if err != nil {
		return err
	}

	// Each source's raw table lives in the source's own dataset
	if def.Dataset != "" {
		cfg.Warehouse.Dataset = def.Dataset
	}

	wh, err := warehouse.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()

	if err := wh.EnsureDataset(ctx); err != nil {
		return err
	}

	mode := syncer.ModeIncremental
	if full {
		mode = syncer.ModeFull
	}

	orch := syncer.New(wh, syncer.WithBatchSize(cfg.Sync.BatchSize))
	if cfg.Sync.LookbackDays > 0 {
		override := time.Duration(cfg.Sync.LookbackDays) * 24 * time.Hour
		def = def.WithLookback(override)
	}

	run := orch.Run(ctx, def, mode, adapter)
	defer logger.Sync()

	if !run.Clean() {
		if run.Err != nil {
			return fmt.Errorf("sync run %s failed: %w", run.ID, run.Err)
		}
		return fmt.Errorf("sync run %s completed with %d failed batches", run.ID, run.FailedBatches)
	}

	fmt.Printf("synced %s: fetched=%d merged=%d skipped=%d in %s\n",
		sourceName, run.Fetched, run.Merged, run.Skipped, run.Duration.Round(time.Millisecond))
	return nil
}

func newBackfillCmd(metricsAddr *string) *cobra.Command {
	var (
		workers int
		days    int
		rate    float64
		endDate string
		limit   int64
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill sentiment for unenriched comments",
		Long: `Backfill selects comments whose sentiment columns are still NULL inside
a day window, classifies them through Cloudflare Workers AI under a shared
rate limit, and merges the results back. Interrupting or re-running is safe:
only rows still missing sentiment are selected.

Example:
  driftsync backfill --days 7 --workers 10 --rate 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*metricsAddr)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Backfill.Workers = workers
			}
			if days > 0 {
				cfg.Backfill.Days = days
			}
			if rate > 0 {
				cfg.Backfill.RatePerSec = rate
			}
			return runBackfill(cmd.Context(), cfg, endDate, limit, dryRun)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Number of concurrent enrichment workers")
	cmd.Flags().IntVar(&days, "days", 0, "Day window to scan for unenriched comments")
	cmd.Flags().Float64Var(&rate, "rate", 0, "Aggregate classifier requests per second across all workers")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Last day of the window (YYYY-MM-DD, default today)")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Cap the number of rows selected; 0 selects all")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Select and report candidate rows without classifying")

	return cmd
}

func runBackfill(ctx context.Context, cfg *config.Config, endDate string, limit int64, dryRun bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Classifier.AccountID == "" || cfg.Classifier.APIToken == "" {
		if !dryRun {
			return fmt.Errorf("classifier credentials are required (CLOUDFLARE_ACCOUNT_ID, CLOUDFLARE_WORKERS_AI_TOKEN)")
		}
	}

	until := time.Now().UTC()
	if endDate != "" {
		parsed, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return fmt.Errorf("invalid --end-date %q: %w", endDate, err)
		}
		until = parsed
	}
	since := until.AddDate(0, 0, -(cfg.Backfill.Days - 1))

	def := hackernews.CommentsDefinition()
	cfg.Warehouse.Dataset = def.Dataset

	wh, err := warehouse.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()

	rows, err := wh.MissingRows(ctx, warehouse.MissingRowsQuery{
		Table:          def.Table(),
		KeyColumn:      "id",
		TextColumn:     "text",
		EnrichedColumn: "sentiment_score",
		DateColumn:     "posted_day",
		Since:          since,
		Until:          until,
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Printf("%d comments awaiting sentiment between %s and %s\n",
			len(rows), since.Format("2006-01-02"), until.Format("2006-01-02"))
		return nil
	}
	if len(rows) == 0 {
		fmt.Println("nothing to backfill")
		return nil
	}

	classifier := classify.New(cfg.Classifier, cfg.Reliability.RequestTimeout)
	limiter := clients.NewRateLimiter(cfg.Backfill.RatePerSec, cfg.Backfill.Burst)

	build := func(job *backfill.Job, res *classify.Result) (models.Record, error) {
		return hackernews.BuildEnrichment(job.Key, res.Score, res.Label, res.Category)
	}

	pool := backfill.NewPool(wh, classifier, limiter,
		hackernews.EnrichmentSchema(), def.PrimaryKey, build, backfill.Config{
			Workers:        cfg.Backfill.Workers,
			MaxAttempts:    cfg.Backfill.MaxAttempts,
			WriteBatchSize: cfg.Backfill.WriteBatchSize,
			Backoff: &retry.Policy{
				MaxAttempts:     cfg.Backfill.MaxAttempts,
				InitialDelay:    cfg.Reliability.RetryDelay,
				MaxDelay:        cfg.Reliability.MaxRetryDelay,
				Multiplier:      cfg.Reliability.RetryMultiplier,
				RandomizeFactor: cfg.Reliability.RetryJitter,
			},
		})

	summary := pool.Run(ctx, backfill.JobsFromRows(rows))
	defer logger.Sync()

	fmt.Printf("backfilled %d/%d comments (failed=%d unprocessed=%d retries=%d) in %s\n",
		summary.Done, summary.Total, summary.Failed, summary.Unprocessed,
		summary.Retries, summary.Duration.Round(time.Millisecond))

	if !summary.Clean() {
		return fmt.Errorf("backfill left %d comments unenriched",
			summary.Failed+summary.Unprocessed)
	}
	return nil
}

// setup loads configuration, initializes logging and optionally starts the
// metrics endpoint.
func setup(metricsAddr string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
	}); err != nil {
		return nil, err
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	return cfg, nil
}
