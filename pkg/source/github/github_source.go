// Package github implements the code-review source adapter: pull requests
// for a fixed set of repositories, paged through the GitHub REST API.
package github

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
	"github.com/driftdata/driftsync/pkg/source"
)

const perPage = 100

// PullRequestsDefinition describes the raw_pull_requests table.
func PullRequestsDefinition() *source.Definition {
	return &source.Definition{
		Name:    "github_prs",
		Dataset: "github",
		Schema: &models.Schema{
			Name: "raw_pull_requests",
			Fields: []models.Field{
				{Name: "id", Type: models.FieldTypeString, Required: true},
				{Name: "number", Type: models.FieldTypeInteger},
				{Name: "repo", Type: models.FieldTypeString},
				{Name: "title", Type: models.FieldTypeString},
				{Name: "state", Type: models.FieldTypeString},
				{Name: "merged", Type: models.FieldTypeBoolean},
				{Name: "author_id", Type: models.FieldTypeString},
				{Name: "created_at", Type: models.FieldTypeTimestamp},
				{Name: "updated_at", Type: models.FieldTypeTimestamp},
				{Name: "merged_at", Type: models.FieldTypeTimestamp},
				{Name: "closed_at", Type: models.FieldTypeTimestamp},
				{Name: "additions", Type: models.FieldTypeInteger},
				{Name: "deletions", Type: models.FieldTypeInteger},
				{Name: "changed_files", Type: models.FieldTypeInteger},
			},
		},
		PrimaryKey:      []string{"id"},
		DefaultLookback: 30 * 24 * time.Hour,
		FullLookback:    2 * 365 * 24 * time.Hour,
	}
}

// PullRequestsSource pages pull requests for the configured repositories,
// newest-updated first, stopping once a page falls outside the window.
type PullRequestsSource struct {
	token  string
	repos  []repoRef
	policy *retry.Policy
	log    *zap.Logger
}

type repoRef struct {
	owner string
	name  string
}

// rawPR carries one pull request with the repository it came from.
type rawPR struct {
	repo string
	pr   *github.PullRequest
}

// NewPullRequestsSource creates the adapter from configuration.
// Repos are "owner/name" entries.
func NewPullRequestsSource(cfg *config.Config) (*PullRequestsSource, error) {
	if cfg.GitHub.Token == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "github token is not set (GITHUB_TOKEN)")
	}
	if len(cfg.GitHub.Repos) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no github repos configured (GITHUB_REPOS)")
	}

	repos := make([]repoRef, 0, len(cfg.GitHub.Repos))
	for _, full := range cfg.GitHub.Repos {
		owner, name, ok := splitRepo(full)
		if !ok {
			return nil, errors.New(errors.ErrorTypeConfig,
				fmt.Sprintf("invalid repo %q, want owner/name", full))
		}
		repos = append(repos, repoRef{owner: owner, name: name})
	}

	return &PullRequestsSource{
		token: cfg.GitHub.Token,
		repos: repos,
		policy: &retry.Policy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: cfg.Reliability.RetryJitter,
		},
		log: logger.With(zap.String("source", "github_prs")),
	}, nil
}

// Name implements source.Adapter.
func (s *PullRequestsSource) Name() string { return "github_prs" }

// Fetch opens a page sequence over all configured repositories for the
// window. Pages advance repo by repo; a repo is exhausted when the API runs
// out of pages or when, sorted by updated descending, a page falls entirely
// before the window.
func (s *PullRequestsSource) Fetch(ctx context.Context, w source.Window) (source.Pages, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	cursor := &repoCursor{repos: s.repos, page: 1}

	fetch := func(ctx context.Context, _ int) ([]source.RawItem, bool, error) {
		for {
			ref, ok := cursor.current()
			if !ok {
				return nil, false, nil
			}

			s.log.Debug("fetching pull request page",
				zap.String("repo", ref.owner+"/"+ref.name),
				zap.Int("page", cursor.page))

			prs, resp, err := client.PullRequests.List(ctx, ref.owner, ref.name,
				&github.PullRequestListOptions{
					State:     "all",
					Sort:      "updated",
					Direction: "desc",
					ListOptions: github.ListOptions{
						Page:    cursor.page,
						PerPage: perPage,
					},
				})
			if err != nil {
				return nil, false, mapError(err)
			}

			items := make([]source.RawItem, 0, len(prs))
			exhausted := resp.NextPage == 0
			for _, pr := range prs {
				updated := pr.GetUpdatedAt().Time
				if updated.Before(w.Since) {
					// Sorted by updated desc; everything after this
					// is older than the window
					exhausted = true
					break
				}
				if !w.Contains(updated) {
					continue
				}
				items = append(items, rawPR{repo: ref.owner + "/" + ref.name, pr: pr})
			}

			if exhausted {
				cursor.nextRepo()
			} else {
				cursor.page = resp.NextPage
			}

			// An empty in-window page falls through to the next repo
			// rather than surfacing a hollow page
			if len(items) > 0 || !cursor.hasMore() {
				return items, cursor.hasMore(), nil
			}
		}
	}

	return source.NewPager(fetch, s.policy), nil
}

// Transform normalizes one pull request into a raw_pull_requests record.
func (s *PullRequestsSource) Transform(item source.RawItem) (models.Record, error) {
	raw, ok := item.(rawPR)
	if !ok {
		return nil, errors.New(errors.ErrorTypeMalformedRecord, "unexpected raw item type")
	}
	pr := raw.pr
	if pr == nil || pr.ID == nil {
		return nil, errors.New(errors.ErrorTypeMalformedRecord, "pull request has no id")
	}

	rec := models.Record{
		"id":            fmt.Sprintf("%d", pr.GetID()),
		"number":        pr.GetNumber(),
		"repo":          raw.repo,
		"title":         pr.GetTitle(),
		"state":         pr.GetState(),
		"merged":        pr.MergedAt != nil,
		"created_at":    timestamp(pr.GetCreatedAt().Time),
		"updated_at":    timestamp(pr.GetUpdatedAt().Time),
		"additions":     pr.GetAdditions(),
		"deletions":     pr.GetDeletions(),
		"changed_files": pr.GetChangedFiles(),
	}
	if pr.User != nil && pr.User.ID != nil {
		rec["author_id"] = fmt.Sprintf("%d", pr.User.GetID())
	}
	if pr.MergedAt != nil {
		rec["merged_at"] = timestamp(pr.GetMergedAt().Time)
	}
	if pr.ClosedAt != nil {
		rec["closed_at"] = timestamp(pr.GetClosedAt().Time)
	}
	return rec, nil
}

// repoCursor tracks the fetch position across repositories. Advances only
// on success, so a retried page refetches the same (repo, page) pair.
type repoCursor struct {
	repos []repoRef
	idx   int
	page  int
}

func (c *repoCursor) current() (repoRef, bool) {
	if c.idx >= len(c.repos) {
		return repoRef{}, false
	}
	return c.repos[c.idx], true
}

func (c *repoCursor) nextRepo() {
	c.idx++
	c.page = 1
}

func (c *repoCursor) hasMore() bool {
	return c.idx < len(c.repos)
}

// mapError types a go-github error for the retry taxonomy.
func mapError(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &rateErr) || stderrors.As(err, &abuseErr) {
		return errors.Wrap(err, errors.ErrorTypeRateLimit, "github rate limit hit")
	}

	var respErr *github.ErrorResponse
	if stderrors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "github authentication failed")
		case http.StatusForbidden:
			return errors.Wrap(err, errors.ErrorTypePermission, "github permission denied")
		case http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, "github throttled request")
		}
	}

	return errors.Wrap(err, errors.ErrorTypeConnection, "github request failed")
}

func splitRepo(full string) (owner, name string, ok bool) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			owner, name = full[:i], full[i+1:]
			return owner, name, owner != "" && name != ""
		}
	}
	return "", "", false
}

func timestamp(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	if err := source.Register(PullRequestsDefinition(), func(cfg *config.Config) (source.Adapter, error) {
		return NewPullRequestsSource(cfg)
	}); err != nil {
		panic(err)
	}
}
