// Package sync drives source adapters through the fetch, transform, stage,
// merge, cleanup cycle against the warehouse.
package sync

import (
	"time"

	"github.com/driftdata/driftsync/pkg/source"
)

// Mode selects the sync window.
type Mode string

const (
	// ModeIncremental syncs the source's default lookback, anchored to now
	ModeIncremental Mode = "incremental"
	// ModeFull syncs the source's full historical window
	ModeFull Mode = "full"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run records the outcome of one sync: mode, window, counts, and terminal
// status. It exists for logging and telemetry; runs are never retried
// themselves, re-running the window is what retry means here.
type Run struct {
	ID     string
	Source string
	Mode   Mode
	Window source.Window

	// Fetched counts raw items consumed from the adapter
	Fetched int
	// Transformed counts items that produced a valid record
	Transformed int
	// Skipped counts malformed items recovered without aborting
	Skipped int
	// Merged counts records reconciled into the target table
	Merged int
	// FailedBatches counts batches whose merge failed; the run continues
	// past them per the partial-failure policy
	FailedBatches int

	Status    Status
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Clean reports full success: the run succeeded and no batch failed.
// The CLI exits non-zero for anything less.
func (r *Run) Clean() bool {
	return r.Status == StatusSucceeded && r.FailedBatches == 0
}
