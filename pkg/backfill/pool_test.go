package backfill

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdata/driftsync/pkg/classify"
	"github.com/driftdata/driftsync/pkg/clients"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
	"github.com/driftdata/driftsync/pkg/warehouse"
)

// fakeStager collects written batches and can fail merges.
type fakeStager struct {
	mu       sync.Mutex
	mergeErr func(batch int) error
	batches  [][]models.Record
	dropped  int
	created  int
}

func (f *fakeStager) EnsureTarget(ctx context.Context, schema *models.Schema) error { return nil }

func (f *fakeStager) CreateStaging(ctx context.Context, schema *models.Schema) (*warehouse.StagingTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &warehouse.StagingTable{
		Name:   fmt.Sprintf("_staging_%s_%d", schema.Name, f.created),
		Schema: schema,
	}, nil
}

func (f *fakeStager) Load(ctx context.Context, st *warehouse.StagingTable, records []models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeStager) Merge(ctx context.Context, st *warehouse.StagingTable, primaryKey []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr(len(f.batches) - 1)
	}
	return nil
}

func (f *fakeStager) Drop(ctx context.Context, st *warehouse.StagingTable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
	return nil
}

func (f *fakeStager) mergedRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// fakeClassifier dispatches per call, tracking attempts per payload.
type fakeClassifier struct {
	mu       sync.Mutex
	attempts map[string]int
	respond  func(text string, attempt int) (*classify.Result, error)
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (*classify.Result, error) {
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[text]++
	attempt := f.attempts[text]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "classifier request failed")
	}
	return f.respond(text, attempt)
}

func positive() *classify.Result {
	return &classify.Result{Label: "POSITIVE", Score: 0.9, Category: "positive"}
}

func enrichmentSchema() *models.Schema {
	return &models.Schema{
		Name: "raw_comments",
		Fields: []models.Field{
			{Name: "id", Type: models.FieldTypeInteger, Required: true},
			{Name: "sentiment_score", Type: models.FieldTypeFloat},
			{Name: "sentiment_label", Type: models.FieldTypeString},
		},
	}
}

func buildRecord(job *Job, res *classify.Result) (models.Record, error) {
	id, err := strconv.ParseInt(job.Key, 10, 64)
	if err != nil {
		return nil, err
	}
	return models.Record{
		"id":              id,
		"sentiment_score": res.Score,
		"sentiment_label": res.Label,
	}, nil
}

func makeJobs(n int) []*Job {
	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = NewJob(strconv.Itoa(i), fmt.Sprintf("comment payload %d", i))
	}
	return jobs
}

func fastBackoff() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestPool(wh warehouse.Stager, c Classifier, cfg Config) *Pool {
	if cfg.Backoff == nil {
		cfg.Backoff = fastBackoff()
	}
	limiter := clients.NewRateLimiter(10000, 100)
	return NewPool(wh, c, limiter, enrichmentSchema(), []string{"id"}, buildRecord, cfg)
}

func TestPool_AllJobsSucceed(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 4, MaxAttempts: 3, WriteBatchSize: 10})
	jobs := makeJobs(25)

	summary := pool.Run(context.Background(), jobs)

	assert.True(t, summary.Clean())
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 25, summary.Done)
	assert.Equal(t, 25, wh.mergedRecords())
	assert.Equal(t, wh.created, wh.dropped)

	for _, job := range jobs {
		assert.Equal(t, StatusDone, job.Status())
	}
}

func TestPool_PartialFailureIsolation(t *testing.T) {
	// Every tenth payload is rejected permanently; the rest must still merge
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(text string, _ int) (*classify.Result, error) {
		var id int
		fmt.Sscanf(text, "comment payload %d", &id)
		if id%10 == 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "classifier rejected payload")
		}
		return positive(), nil
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 5, MaxAttempts: 3, WriteBatchSize: 20})
	summary := pool.Run(context.Background(), makeJobs(100))

	assert.Equal(t, 90, summary.Done)
	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, 0, summary.Unprocessed)
	assert.Equal(t, 90, wh.mergedRecords())
}

func TestPool_ThrottledJobRetriesThenSucceeds(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(text string, attempt int) (*classify.Result, error) {
		if attempt < 3 {
			return nil, errors.New(errors.ErrorTypeRateLimit, "classifier throttled request")
		}
		return positive(), nil
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 2, MaxAttempts: 5, WriteBatchSize: 10})
	jobs := makeJobs(3)

	summary := pool.Run(context.Background(), jobs)

	assert.True(t, summary.Clean())
	assert.Equal(t, 3, summary.Done)
	assert.GreaterOrEqual(t, summary.Retries, int64(3))
	for _, job := range jobs {
		assert.Equal(t, 3, job.Attempts)
	}
}

func TestPool_RetryBudgetExhaustedFailsPermanently(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return nil, errors.New(errors.ErrorTypeRateLimit, "classifier throttled request")
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 2, MaxAttempts: 3, WriteBatchSize: 10})
	jobs := makeJobs(2)

	summary := pool.Run(context.Background(), jobs)

	assert.Equal(t, 0, summary.Done)
	assert.Equal(t, 2, summary.Failed)
	for _, job := range jobs {
		assert.Equal(t, StatusFailed, job.Status())
		assert.Equal(t, 3, job.Attempts)
		require.Error(t, job.Err)
	}
	assert.Equal(t, 0, wh.mergedRecords())
}

func TestPool_PermanentRejectionFailsWithoutRetry(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return nil, errors.New(errors.ErrorTypeValidation, "classifier rejected payload")
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 1, MaxAttempts: 5, WriteBatchSize: 10})
	jobs := makeJobs(1)

	summary := pool.Run(context.Background(), jobs)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int64(0), summary.Retries)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestPool_CancellationLeavesJobsUnprocessed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 4, MaxAttempts: 3, WriteBatchSize: 10})
	summary := pool.Run(ctx, makeJobs(20))

	assert.Equal(t, 0, summary.Done)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 20, summary.Unprocessed)
	assert.Equal(t, 0, wh.mergedRecords())
}

func TestPool_CancelledAtLimiterSpendsNoAttempt(t *testing.T) {
	// The second job blocks at the shared limiter until cancellation; it
	// must come back pending with its attempt budget untouched
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	limiter := clients.NewRateLimiter(0.001, 1)
	pool := NewPool(wh, classifier, limiter, enrichmentSchema(), []string{"id"},
		buildRecord, Config{Workers: 1, MaxAttempts: 3, WriteBatchSize: 10, Backoff: fastBackoff()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	jobs := makeJobs(2)
	summary := pool.Run(ctx, jobs)

	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 1, summary.Unprocessed)

	attempts := jobs[0].Attempts + jobs[1].Attempts
	assert.Equal(t, 1, attempts, "the job stopped at the limiter spent no attempt")
}

func TestPool_MergeFailureFailsBatchJobs(t *testing.T) {
	// A failed write-back merge must not mark its jobs done; the rows stay
	// unenriched and the next run re-selects them
	wh := &fakeStager{
		mergeErr: func(batch int) error {
			if batch == 0 {
				return errors.New(errors.ErrorTypeMerge, "merge statement failed")
			}
			return nil
		},
	}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	pool := newTestPool(wh, classifier, Config{Workers: 1, MaxAttempts: 3, WriteBatchSize: 5})
	summary := pool.Run(context.Background(), makeJobs(10))

	assert.Equal(t, 5, summary.Done)
	assert.Equal(t, 5, summary.Failed)
	assert.Equal(t, wh.created, wh.dropped)
}

func TestPool_BuildErrorFailsJob(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	jobs := []*Job{
		NewJob("1", "fine payload"),
		NewJob("not-a-number", "unparseable key"),
	}

	pool := newTestPool(wh, classifier, Config{Workers: 1, MaxAttempts: 3, WriteBatchSize: 10})
	summary := pool.Run(context.Background(), jobs)

	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, wh.mergedRecords())
}

func TestPool_SharedRateLimitPacesWorkers(t *testing.T) {
	wh := &fakeStager{}
	classifier := &fakeClassifier{respond: func(string, int) (*classify.Result, error) {
		return positive(), nil
	}}

	// 50 req/s, burst 1: eleven calls across five workers need >= ~200ms
	limiter := clients.NewRateLimiter(50, 1)
	pool := NewPool(wh, classifier, limiter, enrichmentSchema(), []string{"id"},
		buildRecord, Config{Workers: 5, MaxAttempts: 3, WriteBatchSize: 20, Backoff: fastBackoff()})

	start := time.Now()
	summary := pool.Run(context.Background(), makeJobs(11))
	elapsed := time.Since(start)

	assert.True(t, summary.Clean())
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestJobsFromRows_CleansHTML(t *testing.T) {
	rows := []warehouse.MissingRow{
		{Key: "1", Text: "<p>clean&nbsp;me</p>"},
		{Key: "2", Text: "already clean"},
	}

	jobs := JobsFromRows(rows)
	require.Len(t, jobs, 2)
	assert.Equal(t, "clean me", jobs[0].Text)
	assert.Equal(t, StatusPending, jobs[0].Status())
	assert.NotEmpty(t, jobs[0].ID)
}
