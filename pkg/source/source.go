// Package source defines the adapter contract for external data sources.
// An Adapter knows how to page through one external API for a time window
// and how to normalize each raw item into a Record matching the source's
// column schema. Adapters hold no shared mutable state; everything an
// orchestrator needs for one run travels in the Definition.
package source

import (
	"context"
	"time"

	"github.com/driftdata/driftsync/pkg/models"
)

// Window is the time range a fetch covers. Until is zero for open-ended
// windows anchored at "now".
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && t.After(w.Until) {
		return false
	}
	return true
}

// Definition is the static descriptor of a source: where its rows land and
// how far back its sync windows reach. Immutable once constructed; owned by
// the orchestrator for the duration of one run.
type Definition struct {
	// Name identifies the source (e.g. "github_prs")
	Name string

	// Dataset is the warehouse dataset the table lives in
	Dataset string

	// Schema is the ordered column schema of the target table
	Schema *models.Schema

	// PrimaryKey lists the merge-key columns, all required in the schema
	PrimaryKey []string

	// DefaultLookback is the incremental sync window, anchored to now
	DefaultLookback time.Duration

	// FullLookback is the full-historical sync window
	FullLookback time.Duration
}

// Table returns the target table name.
func (d *Definition) Table() string {
	return d.Schema.Name
}

// WithLookback returns a copy of the definition with both sync windows
// overridden, for operator-supplied lookbacks.
func (d *Definition) WithLookback(lookback time.Duration) *Definition {
	c := *d
	c.DefaultLookback = lookback
	c.FullLookback = lookback
	return &c
}

// RawItem is one opaque item from a source page, meaningful only to the
// adapter that produced it.
type RawItem interface{}

// Pages lazily yields pages of raw items from a fetch. It is finite and not
// restartable: a consumed page is never refetched, and a failed page is
// retried internally from the last consumed page boundary. Next returns
// iterator.Done (google.golang.org/api/iterator) once the window is
// exhausted.
type Pages interface {
	Next(ctx context.Context) ([]RawItem, error)
}

// Adapter pages through one external API and normalizes its items.
//
// Fetch must transparently retry transient network and rate-limit failures
// per page with bounded backoff, surfacing ErrorTypeSourceUnavailable once
// attempts are exhausted. Transform failures for a single item surface as
// ErrorTypeMalformedRecord and are counted as skipped by the orchestrator.
type Adapter interface {
	// Name returns the adapter name for logging
	Name() string

	// Fetch opens a lazy page sequence over the window
	Fetch(ctx context.Context, w Window) (Pages, error)

	// Transform normalizes one raw item into a record
	Transform(item RawItem) (models.Record, error)
}
