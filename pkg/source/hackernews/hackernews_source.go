// Package hackernews implements the discussion source adapters: front-page
// stories and comments, paged through the Algolia Hacker News search API.
package hackernews

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
	"github.com/driftdata/driftsync/pkg/source"
)

const (
	defaultBaseURL = "https://hn.algolia.com/api/v1"
	hitsPerPage    = 100
)

// StoriesDefinition describes the raw_stories table.
func StoriesDefinition() *source.Definition {
	return &source.Definition{
		Name:    "hn_stories",
		Dataset: "hacker_news",
		Schema: &models.Schema{
			Name: "raw_stories",
			Fields: []models.Field{
				{Name: "id", Type: models.FieldTypeInteger, Required: true},
				{Name: "title", Type: models.FieldTypeString},
				{Name: "url", Type: models.FieldTypeString},
				{Name: "domain", Type: models.FieldTypeString},
				{Name: "author", Type: models.FieldTypeString},
				{Name: "score", Type: models.FieldTypeInteger},
				{Name: "descendants", Type: models.FieldTypeInteger},
				{Name: "posted_at", Type: models.FieldTypeTimestamp},
				{Name: "posted_week", Type: models.FieldTypeDate},
			},
		},
		PrimaryKey:      []string{"id"},
		DefaultLookback: 7 * 24 * time.Hour,
		FullLookback:    365 * 24 * time.Hour,
	}
}

// CommentsDefinition describes the raw_comments table. The sentiment columns
// are loaded empty and filled in later by the backfill pool.
func CommentsDefinition() *source.Definition {
	return &source.Definition{
		Name:    "hn_comments",
		Dataset: "hacker_news",
		Schema: &models.Schema{
			Name: "raw_comments",
			Fields: []models.Field{
				{Name: "id", Type: models.FieldTypeInteger, Required: true},
				{Name: "story_id", Type: models.FieldTypeInteger},
				{Name: "parent_id", Type: models.FieldTypeInteger},
				{Name: "author", Type: models.FieldTypeString},
				{Name: "text", Type: models.FieldTypeString},
				{Name: "posted_at", Type: models.FieldTypeTimestamp},
				{Name: "posted_day", Type: models.FieldTypeDate},
				{Name: "sentiment_score", Type: models.FieldTypeFloat},
				{Name: "sentiment_label", Type: models.FieldTypeString},
				{Name: "sentiment_category", Type: models.FieldTypeString},
			},
		},
		PrimaryKey:      []string{"id"},
		DefaultLookback: 7 * 24 * time.Hour,
		FullLookback:    365 * 24 * time.Hour,
	}
}

// EnrichmentSchema is the column subset the backfill pool merges back into
// raw_comments: the key plus the three sentiment columns.
func EnrichmentSchema() *models.Schema {
	return &models.Schema{
		Name: "raw_comments",
		Fields: []models.Field{
			{Name: "id", Type: models.FieldTypeInteger, Required: true},
			{Name: "sentiment_score", Type: models.FieldTypeFloat},
			{Name: "sentiment_label", Type: models.FieldTypeString},
			{Name: "sentiment_category", Type: models.FieldTypeString},
		},
	}
}

// hit is one Algolia search result. Stories and comments share the shape;
// comment-only fields are empty on stories and vice versa.
type hit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Author      string `json:"author"`
	Points      int    `json:"points"`
	NumComments int    `json:"num_comments"`
	CommentText string `json:"comment_text"`
	StoryID     int64  `json:"story_id"`
	ParentID    int64  `json:"parent_id"`
	CreatedAtI  int64  `json:"created_at_i"`
}

type searchResponse struct {
	Hits    []hit `json:"hits"`
	Page    int   `json:"page"`
	NbPages int   `json:"nbPages"`
}

// Source pages one Algolia tag (story or comment) over a time window.
type Source struct {
	name    string
	tag     string
	baseURL string
	client  *http.Client
	policy  *retry.Policy
	log     *zap.Logger
}

func newSource(name, tag string, cfg *config.Config) *Source {
	return &Source{
		name:    name,
		tag:     tag,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: cfg.Reliability.RequestTimeout},
		policy: &retry.Policy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: cfg.Reliability.RetryJitter,
		},
		log: logger.With(zap.String("source", name)),
	}
}

// NewStoriesSource creates the story adapter.
func NewStoriesSource(cfg *config.Config) *Source {
	return newSource("hn_stories", "story", cfg)
}

// NewCommentsSource creates the comment adapter.
func NewCommentsSource(cfg *config.Config) *Source {
	return newSource("hn_comments", "comment", cfg)
}

// Name implements source.Adapter.
func (s *Source) Name() string { return s.name }

// Fetch opens a page sequence over search_by_date for the window. The API
// reports total page count per response, so the pager stops exactly at the
// last page.
func (s *Source) Fetch(ctx context.Context, w source.Window) (source.Pages, error) {
	fetch := func(ctx context.Context, page int) ([]source.RawItem, bool, error) {
		resp, err := s.search(ctx, w, page)
		if err != nil {
			return nil, false, err
		}
		items := make([]source.RawItem, 0, len(resp.Hits))
		for _, h := range resp.Hits {
			items = append(items, h)
		}
		return items, page+1 < resp.NbPages, nil
	}
	return source.NewPager(fetch, s.policy), nil
}

func (s *Source) search(ctx context.Context, w source.Window, page int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("tags", s.tag)
	q.Set("numericFilters", fmt.Sprintf("created_at_i>=%d,created_at_i<%d",
		w.Since.Unix(), w.Until.Unix()))
	q.Set("page", strconv.Itoa(page))
	q.Set("hitsPerPage", strconv.Itoa(hitsPerPage))

	endpoint := s.baseURL + "/search_by_date?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build search request")
	}

	s.log.Debug("fetching search page", zap.Int("page", page))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "search request failed")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to decode search response")
	}
	return &out, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.New(errors.ErrorTypeRateLimit, "search API throttled request")
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrorTypeConnection,
			fmt.Sprintf("search API returned %d", resp.StatusCode))
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.ErrorTypeValidation,
			fmt.Sprintf("search API returned %d: %s", resp.StatusCode, snippet))
	}
}

// Transform normalizes one hit into a record for the adapter's table.
func (s *Source) Transform(item source.RawItem) (models.Record, error) {
	h, ok := item.(hit)
	if !ok {
		return nil, errors.New(errors.ErrorTypeMalformedRecord, "unexpected raw item type")
	}
	id, err := strconv.ParseInt(h.ObjectID, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedRecord, "hit has a non-numeric id")
	}
	posted := time.Unix(h.CreatedAtI, 0).UTC()

	if s.tag == "comment" {
		rec := models.Record{
			"id":         id,
			"author":     h.Author,
			"text":       h.CommentText,
			"posted_at":  posted.Format(time.RFC3339),
			"posted_day": posted.Format("2006-01-02"),
		}
		if h.StoryID != 0 {
			rec["story_id"] = h.StoryID
		}
		if h.ParentID != 0 {
			rec["parent_id"] = h.ParentID
		}
		return rec, nil
	}

	return models.Record{
		"id":          id,
		"title":       h.Title,
		"url":         h.URL,
		"domain":      domainOf(h.URL),
		"author":      h.Author,
		"score":       h.Points,
		"descendants": h.NumComments,
		"posted_at":   posted.Format(time.RFC3339),
		"posted_week": weekOf(posted).Format("2006-01-02"),
	}, nil
}

// BuildEnrichment converts one classified comment back into an enrichment
// record keyed by the comment id. The selection key comes back from the
// warehouse as a string and raw_comments keys on an integer column.
func BuildEnrichment(key string, score float64, label, category string) (models.Record, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedRecord,
			fmt.Sprintf("comment key %q is not numeric", key))
	}
	return models.Record{
		"id":                 id,
		"sentiment_score":    score,
		"sentiment_label":    label,
		"sentiment_category": category,
	}, nil
}

// domainOf extracts the registrable host from a story URL, dropping any
// leading www prefix. Self posts have no URL and get an empty domain.
func domainOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}

// weekOf truncates a time to the Monday of its ISO week.
func weekOf(t time.Time) time.Time {
	day := t.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func init() {
	fail := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	fail(source.Register(StoriesDefinition(), func(cfg *config.Config) (source.Adapter, error) {
		return NewStoriesSource(cfg), nil
	}))
	fail(source.Register(CommentsDefinition(), func(cfg *config.Config) (source.Adapter, error) {
		return NewCommentsSource(cfg), nil
	}))
}
