package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/classify"
	"github.com/driftdata/driftsync/pkg/clients"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/metrics"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
	"github.com/driftdata/driftsync/pkg/warehouse"
)

// Classifier is the external classification call a worker makes per job.
// Implemented by *classify.Client; faked in tests.
type Classifier interface {
	Classify(ctx context.Context, text string) (*classify.Result, error)
}

// RecordBuilder converts a finished job into the write-back record for the
// enrichment staging schema, including any key type conversion the target
// table requires.
type RecordBuilder func(job *Job, res *classify.Result) (models.Record, error)

// Config tunes a worker pool.
type Config struct {
	// Workers is the number of concurrent workers draining the queue
	Workers int
	// MaxAttempts bounds classification attempts per job
	MaxAttempts int
	// WriteBatchSize is how many enriched rows merge back together
	WriteBatchSize int
	// Backoff schedules retries after throttling
	Backoff *retry.Policy
}

// Summary is the outcome of one pool run. The pool is complete once the
// queue drains; individual failures never abort it.
type Summary struct {
	Total       int
	Done        int
	Failed      int
	Unprocessed int
	Retries     int64
	Duration    time.Duration
}

// Clean reports that every job reached done.
func (s *Summary) Clean() bool {
	return s.Failed == 0 && s.Unprocessed == 0
}

// Pool drains enrichment jobs through W workers against a rate-limited
// classifier, merging results back through the warehouse staged-merge path.
// The rate limiter is the only resource workers share; they block on it,
// never on each other. Each invocation constructs its own pool.
type Pool struct {
	wh         warehouse.Stager
	classifier Classifier
	limiter    clients.RateLimiter
	schema     *models.Schema
	primaryKey []string
	build      RecordBuilder
	cfg        Config
	log        *zap.Logger

	retries atomic.Int64

	mu     sync.Mutex
	buffer []*Job
}

// NewPool creates a worker pool writing enrichment results through wh using
// the staging schema and primary key. The limiter gates aggregate classifier
// throughput across all workers.
func NewPool(wh warehouse.Stager, classifier Classifier, limiter clients.RateLimiter,
	schema *models.Schema, primaryKey []string, build RecordBuilder, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = 50
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultPolicy()
	}
	return &Pool{
		wh:         wh,
		classifier: classifier,
		limiter:    limiter,
		schema:     schema,
		primaryKey: primaryKey,
		build:      build,
		cfg:        cfg,
		log:        logger.With(zap.String("component", "backfill")),
	}
}

// Run drains the jobs and returns once every job is terminal or the context
// is cancelled. On cancellation workers finish the job in hand and start no
// new ones; unprocessed jobs are counted, not failed, and the next backfill
// re-selects them.
func (p *Pool) Run(ctx context.Context, jobs []*Job) *Summary {
	start := time.Now()
	p.log.Info("starting backfill pool",
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", p.cfg.Workers))

	// Capacity covers every job plus re-enqueues, so producers never block
	queue := make(chan *Job, len(jobs)+p.cfg.Workers)

	var outstanding sync.WaitGroup
	for _, job := range jobs {
		outstanding.Add(1)
		queue <- job
	}
	metrics.QueueDepth.Set(float64(len(queue)))

	// Close the queue once every job has reached a terminal decision
	go func() {
		outstanding.Wait()
		close(queue)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for job := range queue {
				metrics.QueueDepth.Set(float64(len(queue)))
				p.process(ctx, job, queue, &outstanding)
			}
		}()
	}
	workers.Wait()

	// Workers are done; merge whatever remains in the write buffer
	p.flush(context.WithoutCancel(ctx))
	metrics.QueueDepth.Set(0)

	summary := p.tally(jobs)
	summary.Duration = time.Since(start)

	p.log.Info("backfill pool drained",
		zap.Int("done", summary.Done),
		zap.Int("failed", summary.Failed),
		zap.Int("unprocessed", summary.Unprocessed),
		zap.Int64("retries", summary.Retries),
		zap.Duration("duration", summary.Duration))
	return summary
}

// process runs one job to a decision: buffered for write-back, scheduled
// for retry, failed permanently, or left pending on cancellation.
func (p *Pool) process(ctx context.Context, job *Job, queue chan<- *Job, outstanding *sync.WaitGroup) {
	if ctx.Err() != nil {
		// Cancelled before starting; leave the job pending
		outstanding.Done()
		return
	}

	job.setStatus(StatusInFlight)

	if err := p.limiter.Wait(ctx); err != nil {
		// Never got a classification slot; no attempt was spent
		job.setStatus(StatusPending)
		outstanding.Done()
		return
	}
	job.Attempts++

	res, err := p.classifier.Classify(ctx, job.Text)
	switch {
	case err == nil:
		job.Result = res
		p.enqueueWrite(ctx, job, outstanding)

	case errors.IsRetryable(err) && job.Attempts < p.cfg.MaxAttempts:
		job.setStatus(StatusRetryScheduled)
		p.retries.Add(1)
		metrics.EnrichmentRetries.Inc()
		delay := p.cfg.Backoff.Delay(job.Attempts - 1)
		p.log.Debug("job throttled, scheduling retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay))
		go func() {
			select {
			case <-time.After(delay):
				job.setStatus(StatusPending)
				queue <- job
			case <-ctx.Done():
				job.setStatus(StatusPending)
				outstanding.Done()
			}
		}()

	case ctx.Err() != nil:
		// The call failed because the run was cancelled mid-flight
		job.setStatus(StatusPending)
		outstanding.Done()

	default:
		p.fail(job, err)
		outstanding.Done()
	}
}

// enrichment write-back is batched: a job is terminal only once its batch
// merges, so a failed merge leaves its jobs unenriched for the next run.
func (p *Pool) enqueueWrite(ctx context.Context, job *Job, outstanding *sync.WaitGroup) {
	p.mu.Lock()
	p.buffer = append(p.buffer, job)
	full := len(p.buffer) >= p.cfg.WriteBatchSize
	p.mu.Unlock()

	outstanding.Done()

	if full {
		p.flush(ctx)
	}
}

// flush merges the buffered results through the staged-merge path.
func (p *Pool) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	records := make([]models.Record, 0, len(pending))
	writable := pending[:0]
	for _, job := range pending {
		rec, err := p.build(job, job.Result)
		if err != nil {
			p.fail(job, errors.Wrap(err, errors.ErrorTypeValidation, "failed to build write-back record"))
			continue
		}
		records = append(records, rec)
		writable = append(writable, job)
	}
	if len(records) == 0 {
		return
	}

	if err := p.writeBack(ctx, records); err != nil {
		p.log.Error("write-back merge failed; rows remain unenriched",
			zap.Int("records", len(records)), zap.Error(err))
		for _, job := range writable {
			p.fail(job, err)
		}
		return
	}

	for _, job := range writable {
		job.setStatus(StatusDone)
		metrics.EnrichmentJobs.WithLabelValues("done").Inc()
	}
}

func (p *Pool) writeBack(ctx context.Context, records []models.Record) error {
	st, err := p.wh.CreateStaging(ctx, p.schema)
	if err != nil {
		return err
	}
	defer func() {
		dropCtx := context.WithoutCancel(ctx)
		if err := p.wh.Drop(dropCtx, st); err != nil {
			p.log.Warn("failed to drop staging table",
				zap.String("staging", st.Name), zap.Error(err))
		}
	}()

	if err := p.wh.Load(ctx, st, records); err != nil {
		return err
	}
	return p.wh.Merge(ctx, st, p.primaryKey)
}

func (p *Pool) fail(job *Job, err error) {
	job.Err = err
	job.setStatus(StatusFailed)
	metrics.EnrichmentJobs.WithLabelValues("failed").Inc()
	p.log.Warn("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("key", job.Key),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
}

func (p *Pool) tally(jobs []*Job) *Summary {
	s := &Summary{Total: len(jobs), Retries: p.retries.Load()}
	for _, job := range jobs {
		switch job.Status() {
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		default:
			s.Unprocessed++
		}
	}
	return s
}
