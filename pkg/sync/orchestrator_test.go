package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/iterator"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/source"
	"github.com/driftdata/driftsync/pkg/warehouse"
)

// fakeStager records the staged-merge calls the orchestrator makes and can
// inject failures per stage.
type fakeStager struct {
	ensureErr  error
	createErr  error
	loadErr    func(call int) error
	mergeErr   func(call int) error
	dropErr    error

	created    int
	dropped    int
	loadCalls  int
	mergeCalls int
	loaded     [][]models.Record
	merged     [][]models.Record
}

func (f *fakeStager) EnsureTarget(ctx context.Context, schema *models.Schema) error {
	return f.ensureErr
}

func (f *fakeStager) CreateStaging(ctx context.Context, schema *models.Schema) (*warehouse.StagingTable, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &warehouse.StagingTable{
		Name:   fmt.Sprintf("_staging_%s_%d", schema.Name, f.created),
		Schema: schema,
	}, nil
}

func (f *fakeStager) Load(ctx context.Context, st *warehouse.StagingTable, records []models.Record) error {
	call := f.loadCalls
	f.loadCalls++
	if f.loadErr != nil {
		if err := f.loadErr(call); err != nil {
			return err
		}
	}
	f.loaded = append(f.loaded, records)
	return nil
}

// Failure injection keys off the invocation counter, not the number of
// successful merges, so one injected failure stays one failure.
func (f *fakeStager) Merge(ctx context.Context, st *warehouse.StagingTable, primaryKey []string) error {
	call := f.mergeCalls
	f.mergeCalls++
	if f.mergeErr != nil {
		if err := f.mergeErr(call); err != nil {
			return err
		}
	}
	f.merged = append(f.merged, f.loaded[len(f.loaded)-1])
	return nil
}

func (f *fakeStager) Drop(ctx context.Context, st *warehouse.StagingTable) error {
	f.dropped++
	return f.dropErr
}

// fakeAdapter serves fixed pages. A negative id marks an item the transform
// rejects as malformed.
type fakeAdapter struct {
	pages    [][]int
	fetchErr error
	pageErr  map[int]error
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Fetch(ctx context.Context, w source.Window) (source.Pages, error) {
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return &fakePages{pages: a.pages, errs: a.pageErr}, nil
}

func (a *fakeAdapter) Transform(item source.RawItem) (models.Record, error) {
	id := item.(int)
	if id < 0 {
		return nil, errors.New(errors.ErrorTypeMalformedRecord, "negative id")
	}
	return models.Record{"id": fmt.Sprintf("%d", id), "value": id}, nil
}

type fakePages struct {
	pages [][]int
	errs  map[int]error
	page  int
}

func (p *fakePages) Next(ctx context.Context) ([]source.RawItem, error) {
	if err, ok := p.errs[p.page]; ok {
		return nil, err
	}
	if p.page >= len(p.pages) {
		return nil, iterator.Done
	}
	items := make([]source.RawItem, len(p.pages[p.page]))
	for i, v := range p.pages[p.page] {
		items[i] = v
	}
	p.page++
	return items, nil
}

func testDef() *source.Definition {
	return &source.Definition{
		Name: "fake",
		Schema: &models.Schema{
			Name: "raw_fake",
			Fields: []models.Field{
				{Name: "id", Type: models.FieldTypeString, Required: true},
				{Name: "value", Type: models.FieldTypeInteger},
			},
		},
		PrimaryKey:      []string{"id"},
		DefaultLookback: 24 * time.Hour,
		FullLookback:    30 * 24 * time.Hour,
	}
}

func intRange(from, count int) []int {
	out := make([]int, count)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func newTestOrchestrator(t *testing.T, wh warehouse.Stager, opts ...Option) *Orchestrator {
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	return New(wh, opts...)
}

func TestRun_CountsAndBatches(t *testing.T) {
	// Three pages of 50/50/20 with five malformed items sprinkled in
	pages := [][]int{intRange(0, 50), intRange(50, 50), intRange(100, 20)}
	for i, idx := range []int{3, 17, 0, 9, 4} {
		pages[i%3][idx] = -1 - i
	}

	wh := &fakeStager{}
	adapter := &fakeAdapter{pages: pages}
	orch := newTestOrchestrator(t, wh, WithBatchSize(50))

	run := orch.Run(context.Background(), testDef(), ModeIncremental, adapter)

	assert.Equal(t, StatusSucceeded, run.Status)
	assert.True(t, run.Clean())
	assert.Equal(t, 120, run.Fetched)
	assert.Equal(t, 5, run.Skipped)
	assert.Equal(t, 115, run.Transformed)
	assert.Equal(t, 115, run.Merged)
	assert.Equal(t, 0, run.FailedBatches)

	// 115 records at batch size 50: 50 + 50 + 15
	require.Len(t, wh.merged, 3)
	assert.Len(t, wh.merged[0], 50)
	assert.Len(t, wh.merged[2], 15)

	// Every staging table was dropped
	assert.Equal(t, wh.created, wh.dropped)
}

func TestRun_DeduplicatesWithinBatch(t *testing.T) {
	// The same id appears on both pages; one batch holds one row for it
	wh := &fakeStager{}
	adapter := &fakeAdapter{pages: [][]int{{1, 2, 3}, {3, 4}}}
	orch := newTestOrchestrator(t, wh, WithBatchSize(100))

	run := orch.Run(context.Background(), testDef(), ModeIncremental, adapter)

	assert.Equal(t, StatusSucceeded, run.Status)
	require.Len(t, wh.merged, 1)
	assert.Len(t, wh.merged[0], 4)
	assert.Equal(t, 5, run.Transformed)
	assert.Equal(t, 4, run.Merged)
}

func TestRun_FatalFetchAbortsRun(t *testing.T) {
	wh := &fakeStager{}
	adapter := &fakeAdapter{
		pages: [][]int{{1, 2}, {3, 4}},
		pageErr: map[int]error{
			1: errors.New(errors.ErrorTypeSourceUnavailable, "page fetch attempts exhausted"),
		},
	}
	orch := newTestOrchestrator(t, wh, WithBatchSize(2))

	run := orch.Run(context.Background(), testDef(), ModeIncremental, adapter)

	assert.Equal(t, StatusFailed, run.Status)
	require.Error(t, run.Err)
	assert.True(t, errors.IsType(run.Err, errors.ErrorTypeSourceUnavailable))
	// The first page merged before the failure; merged work stands
	assert.Equal(t, 2, run.Merged)
	assert.Equal(t, wh.created, wh.dropped)
}

func TestRun_StagingFailureIsFatal(t *testing.T) {
	wh := &fakeStager{
		createErr: errors.New(errors.ErrorTypeStagingUnavailable, "cannot create staging"),
	}
	adapter := &fakeAdapter{pages: [][]int{{1, 2, 3}}}
	orch := newTestOrchestrator(t, wh, WithBatchSize(2))

	run := orch.Run(context.Background(), testDef(), ModeIncremental, adapter)

	assert.Equal(t, StatusFailed, run.Status)
	assert.True(t, errors.IsType(run.Err, errors.ErrorTypeStagingUnavailable))
	assert.Equal(t, 0, run.Merged)
}

func TestRun_FailedBatchContinues(t *testing.T) {
	wh := &fakeStager{
		mergeErr: func(batch int) error {
			if batch == 0 {
				return errors.New(errors.ErrorTypeMerge, "merge statement failed")
			}
			return nil
		},
	}
	adapter := &fakeAdapter{pages: [][]int{intRange(0, 6)}}
	orch := newTestOrchestrator(t, wh, WithBatchSize(2))

	run := orch.Run(context.Background(), testDef(), ModeIncremental, adapter)

	// The run finishes; the failed batch is recorded, later batches merge
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.False(t, run.Clean())
	assert.Equal(t, 1, run.FailedBatches)
	assert.Equal(t, 4, run.Merged)
	assert.Equal(t, wh.created, wh.dropped)
}

func TestRun_CancellationIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wh := &fakeStager{}
	adapter := &fakeAdapter{pages: [][]int{{1}}}
	orch := newTestOrchestrator(t, wh, WithBatchSize(10))

	run := orch.Run(ctx, testDef(), ModeIncremental, adapter)

	assert.Equal(t, StatusFailed, run.Status)
	assert.True(t, errors.IsType(run.Err, errors.ErrorTypeTimeout))
}

func TestRun_EnsureTargetFailureIsFatal(t *testing.T) {
	wh := &fakeStager{ensureErr: errors.New(errors.ErrorTypeQuery, "cannot create table")}
	orch := newTestOrchestrator(t, wh)

	run := orch.Run(context.Background(), testDef(), ModeIncremental, &fakeAdapter{})

	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 0, run.Fetched)
}

func TestRun_Idempotence(t *testing.T) {
	// Re-running the identical window issues the same merges again;
	// merge-by-key makes the second pass a no-op upsert
	wh := &fakeStager{}
	adapter := func() *fakeAdapter { return &fakeAdapter{pages: [][]int{intRange(0, 10)}} }
	orch := newTestOrchestrator(t, wh, WithBatchSize(100),
		WithClock(func() time.Time { return time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC) }))

	first := orch.Run(context.Background(), testDef(), ModeIncremental, adapter())
	second := orch.Run(context.Background(), testDef(), ModeIncremental, adapter())

	assert.Equal(t, first.Window, second.Window)
	require.Len(t, wh.merged, 2)
	assert.Equal(t, wh.merged[0], wh.merged[1])
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	orch := New(&fakeStager{}, WithClock(func() time.Time { return now }))
	def := testDef()

	inc := orch.ResolveWindow(def, ModeIncremental)
	assert.Equal(t, now.Add(-24*time.Hour), inc.Since)
	assert.Equal(t, now, inc.Until)

	full := orch.ResolveWindow(def, ModeFull)
	assert.Equal(t, now.Add(-30*24*time.Hour), full.Since)
}
