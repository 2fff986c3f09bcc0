package source

import (
	"context"

	"google.golang.org/api/iterator"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/retry"
)

// PageFunc fetches one page by zero-based index. It returns the page's items
// and whether further pages remain. Implementations must be safe to call
// again with the same index after a failure.
type PageFunc func(ctx context.Context, page int) (items []RawItem, more bool, err error)

// NewPager wraps a PageFunc in the shared per-page retry discipline.
// Transient failures (connection, timeout, throttling) are retried with
// backoff; once attempts are exhausted the pager fails with
// ErrorTypeSourceUnavailable. Authentication and permission failures pass
// through untouched so the orchestrator can abort immediately. The failed
// page is retried in place; already consumed pages are never refetched.
func NewPager(fetch PageFunc, policy *retry.Policy) Pages {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	return &pager{fetch: fetch, policy: policy}
}

type pager struct {
	fetch  PageFunc
	policy *retry.Policy
	page   int
	done   bool
}

func (p *pager) Next(ctx context.Context) ([]RawItem, error) {
	if p.done {
		return nil, iterator.Done
	}

	var (
		items []RawItem
		more  bool
	)
	err := p.policy.ExecuteIf(ctx, func() error {
		its, m, err := p.fetch(ctx, p.page)
		if err != nil {
			return err
		}
		items, more = its, m
		return nil
	}, errors.IsRetryable)

	if err != nil {
		p.done = true
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypePermission) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable,
			"page fetch attempts exhausted").WithDetail("page", p.page)
	}

	p.page++
	if !more {
		p.done = true
	}
	return items, nil
}
