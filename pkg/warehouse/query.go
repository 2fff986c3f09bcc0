package warehouse

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/models"
)

// EnsureTarget creates the target table for a schema if it does not exist.
// Merge statements require the target to be present even when empty.
func (c *Client) EnsureTarget(ctx context.Context, schema *models.Schema) error {
	table := c.bq.Dataset(c.dataset).Table(schema.Name)
	if _, err := table.Metadata(ctx); err == nil {
		return nil
	}

	err := c.retry.ExecuteIf(ctx, func() error {
		return classify(table.Create(ctx, &bigquery.TableMetadata{
			Schema: schema.ToBigQuery(),
		}))
	}, errors.IsRetryable)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create target table").
			WithDetail("table", schema.Name)
	}

	c.log.Info("created target table", zap.String("table", schema.Name))
	return nil
}

// MissingRowsQuery selects rows still lacking an enrichment value. Re-running
// backfill re-selects whatever remains unenriched, which is what makes
// re-invocation idempotent without a checkpoint store.
type MissingRowsQuery struct {
	// Table is the raw table to select from
	Table string
	// KeyColumn is the primary-key column, cast to STRING in the result
	KeyColumn string
	// TextColumn is the payload column to classify
	TextColumn string
	// EnrichedColumn is NULL for rows that still need enrichment
	EnrichedColumn string
	// DateColumn bounds the selection window
	DateColumn string
	// Since and Until bound the day window (inclusive)
	Since time.Time
	Until time.Time
	// Limit caps the selection; zero means no cap
	Limit int64
}

// MissingRow is one selected row awaiting enrichment.
type MissingRow struct {
	Key  string `bigquery:"key"`
	Text string `bigquery:"text"`
}

// MissingRows runs the selection query and returns the rows lacking
// enrichment inside the window.
func (c *Client) MissingRows(ctx context.Context, sel MissingRowsQuery) ([]MissingRow, error) {
	sql := fmt.Sprintf(`
SELECT CAST(%s AS STRING) AS key, %s AS text
FROM `+"`%s.%s.%s`"+`
WHERE %s IS NULL
  AND %s IS NOT NULL AND %s != ''
  AND %s BETWEEN @since AND @until
ORDER BY %s DESC`,
		sel.KeyColumn, sel.TextColumn,
		c.projectID, c.dataset, sel.Table,
		sel.EnrichedColumn,
		sel.TextColumn, sel.TextColumn,
		sel.DateColumn,
		sel.DateColumn)
	if sel.Limit > 0 {
		sql += fmt.Sprintf("\nLIMIT %d", sel.Limit)
	}

	q := c.bq.Query(sql)
	q.Location = c.location
	q.Parameters = []bigquery.QueryParameter{
		{Name: "since", Value: civil.DateOf(sel.Since)},
		{Name: "until", Value: civil.DateOf(sel.Until)},
	}

	var rows []MissingRow
	err := c.retry.ExecuteIf(ctx, func() error {
		it, err := q.Read(ctx)
		if err != nil {
			return classify(err)
		}

		rows = rows[:0]
		for {
			var row MissingRow
			err := it.Next(&row)
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return classify(err)
			}
			rows = append(rows, row)
		}
	}, errors.IsRetryable)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to select unenriched rows").
			WithDetail("table", sel.Table)
	}

	c.log.Info("selected unenriched rows",
		zap.String("table", sel.Table),
		zap.Int("rows", len(rows)))
	return rows, nil
}
