package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/metrics"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/source"
	"github.com/driftdata/driftsync/pkg/warehouse"
)

// Orchestrator drives one source adapter through a fetch/transform/stage/
// merge/cleanup cycle. Runs are sequential internally; orchestrators for
// different sources are independent and share no mutable state.
type Orchestrator struct {
	wh        warehouse.Stager
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize sets the records-per-merge bound. A throughput tunable, not
// a correctness parameter.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithClock injects the time source, making window resolution deterministic
// in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New creates an orchestrator writing through the given warehouse.
func New(wh warehouse.Stager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wh:        wh,
		batchSize: 500,
		now:       time.Now,
		log:       logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ResolveWindow derives the sync window for a mode. Deterministic given a
// fixed clock: incremental anchors the definition's default lookback to now,
// full uses the historical bound.
func (o *Orchestrator) ResolveWindow(def *source.Definition, mode Mode) source.Window {
	now := o.now().UTC()
	lookback := def.DefaultLookback
	if mode == ModeFull {
		lookback = def.FullLookback
	}
	return source.Window{Since: now.Add(-lookback), Until: now}
}

// Run executes one sync of the definition through the adapter. Fatal errors
// (source unavailable, staging unavailable, cancellation) finalize the run
// as failed; malformed items and failed batches are counted and the run
// continues. Errors never propagate past this boundary: the outcome is the
// returned Run.
func (o *Orchestrator) Run(ctx context.Context, def *source.Definition, mode Mode, adapter source.Adapter) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		Source:    def.Name,
		Mode:      mode,
		StartedAt: o.now().UTC(),
	}
	run.Window = o.ResolveWindow(def, mode)

	log := o.log.With(
		zap.String("run_id", run.ID),
		zap.String("source", def.Name),
		zap.String("mode", string(mode)))

	log.Info("starting sync run",
		zap.Time("since", run.Window.Since),
		zap.Time("until", run.Window.Until))

	err := o.execute(ctx, def, adapter, run, log)
	run.Duration = time.Since(run.StartedAt)

	if err != nil {
		run.Status = StatusFailed
		run.Err = err
		log.Error("sync run failed",
			zap.Error(err),
			zap.Int("fetched", run.Fetched),
			zap.Int("merged", run.Merged))
	} else {
		run.Status = StatusSucceeded
		log.Info("sync run completed",
			zap.Int("fetched", run.Fetched),
			zap.Int("transformed", run.Transformed),
			zap.Int("skipped", run.Skipped),
			zap.Int("merged", run.Merged),
			zap.Int("failed_batches", run.FailedBatches),
			zap.Duration("duration", run.Duration))
	}

	metrics.SyncRuns.WithLabelValues(def.Name, string(mode), string(run.Status)).Inc()
	return run
}

func (o *Orchestrator) execute(ctx context.Context, def *source.Definition, adapter source.Adapter, run *Run, log *zap.Logger) error {
	if err := o.wh.EnsureTarget(ctx, def.Schema); err != nil {
		return err
	}

	pages, err := adapter.Fetch(ctx, run.Window)
	if err != nil {
		return err
	}

	batch := newBatch(def.PrimaryKey)

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "sync run cancelled")
		}

		items, err := pages.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			// Fatal: stop fetching immediately, abort remaining batches
			return err
		}

		for _, item := range items {
			run.Fetched++

			rec, err := adapter.Transform(item)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeMalformedRecord) {
					run.Skipped++
					metrics.RecordsSynced.WithLabelValues(def.Name, "skipped").Inc()
					log.Debug("skipping malformed item", zap.Error(err))
					continue
				}
				return err
			}
			if err := rec.Validate(def.PrimaryKey); err != nil {
				run.Skipped++
				metrics.RecordsSynced.WithLabelValues(def.Name, "skipped").Inc()
				log.Debug("skipping record without primary key", zap.Error(err))
				continue
			}

			run.Transformed++
			batch.add(rec)

			if batch.len() >= o.batchSize {
				if err := o.mergeBatch(ctx, def, batch.take(), run, log); err != nil {
					return err
				}
			}
		}
	}

	if batch.len() > 0 {
		if err := o.mergeBatch(ctx, def, batch.take(), run, log); err != nil {
			return err
		}
	}

	return nil
}

// mergeBatch stages and merges one batch. Returns an error only for fatal
// conditions; a failed load or merge is recorded on the run and the next
// batch proceeds. The staging table is dropped on every path.
func (o *Orchestrator) mergeBatch(ctx context.Context, def *source.Definition, records []models.Record, run *Run, log *zap.Logger) error {
	st, err := o.wh.CreateStaging(ctx, def.Schema)
	if err != nil {
		// Staging allocation failure is fatal for the run
		return err
	}
	defer func() {
		// Cleanup must happen even when the run deadline has fired
		dropCtx := context.WithoutCancel(ctx)
		if err := o.wh.Drop(dropCtx, st); err != nil {
			log.Warn("failed to drop staging table",
				zap.String("staging", st.Name), zap.Error(err))
		}
	}()

	if err := o.wh.Load(ctx, st, records); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrap(cerr, errors.ErrorTypeTimeout, "sync run cancelled")
		}
		run.FailedBatches++
		metrics.BatchesMerged.WithLabelValues(def.Name, "failure").Inc()
		log.Error("batch load failed", zap.Int("records", len(records)), zap.Error(err))
		return nil
	}

	if err := o.wh.Merge(ctx, st, def.PrimaryKey); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrap(cerr, errors.ErrorTypeTimeout, "sync run cancelled")
		}
		run.FailedBatches++
		metrics.BatchesMerged.WithLabelValues(def.Name, "failure").Inc()
		log.Error("batch merge failed", zap.Int("records", len(records)), zap.Error(err))
		return nil
	}

	run.Merged += len(records)
	metrics.BatchesMerged.WithLabelValues(def.Name, "success").Inc()
	metrics.RecordsSynced.WithLabelValues(def.Name, "merged").Add(float64(len(records)))
	return nil
}

// batch accumulates records for one merge, deduplicating by primary key so
// a staging table never carries two rows with the same key. Last write wins
// within a batch, matching merge semantics across batches.
type batch struct {
	primaryKey []string
	records    []models.Record
	index      map[string]int
}

func newBatch(primaryKey []string) *batch {
	return &batch{
		primaryKey: primaryKey,
		index:      make(map[string]int),
	}
}

func (b *batch) add(rec models.Record) {
	key := rec.Key(b.primaryKey)
	if i, ok := b.index[key]; ok {
		b.records[i] = rec
		return
	}
	b.index[key] = len(b.records)
	b.records = append(b.records, rec)
}

func (b *batch) len() int { return len(b.records) }

func (b *batch) take() []models.Record {
	records := b.records
	b.records = nil
	b.index = make(map[string]int)
	return records
}
