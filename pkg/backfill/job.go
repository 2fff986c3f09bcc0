// Package backfill enriches previously-loaded warehouse rows with results
// from a rate-limited external classifier, using a fixed pool of workers
// over a bounded job queue.
package backfill

import (
	"sync"

	"github.com/google/uuid"

	"github.com/driftdata/driftsync/pkg/classify"
	"github.com/driftdata/driftsync/pkg/warehouse"
)

// JobStatus is the lifecycle state of an enrichment job:
// pending -> in-flight -> done | retry-scheduled | failed-permanently,
// with retry-scheduled re-entering pending after backoff.
type JobStatus string

const (
	StatusPending        JobStatus = "pending"
	StatusInFlight       JobStatus = "in-flight"
	StatusRetryScheduled JobStatus = "retry-scheduled"
	StatusDone           JobStatus = "done"
	StatusFailed         JobStatus = "failed-permanently"
)

// Job identifies one target row awaiting enrichment. Ownership transfers
// from the queue to exactly one worker per dequeue; no two workers ever
// hold the same job.
type Job struct {
	// ID identifies the job in logs
	ID string
	// Key is the target row's primary key value
	Key string
	// Text is the payload to classify
	Text string

	// Attempts counts classification attempts so far
	Attempts int
	// Result holds the classification once the job is done
	Result *classify.Result
	// Err records the terminal error for failed jobs
	Err error

	mu     sync.Mutex
	status JobStatus
}

// NewJob creates a pending job for one row.
func NewJob(key, text string) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Key:    key,
		Text:   text,
		status: StatusPending,
	}
}

// Status returns the job's current state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// JobsFromRows builds pending jobs from a warehouse selection, stripping
// HTML from each payload.
func JobsFromRows(rows []warehouse.MissingRow) []*Job {
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, NewJob(row.Key, classify.CleanHTML(row.Text)))
	}
	return jobs
}
