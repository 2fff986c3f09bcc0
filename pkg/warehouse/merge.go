package warehouse

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/metrics"
	"github.com/driftdata/driftsync/pkg/models"
)

// Merge reconciles all rows in the staging table into the target table named
// by the staging schema: matched rows (by primary key) are updated, unmatched
// rows inserted. The MERGE executes as a single statement, so no observer
// ever sees a partially applied batch. Staging may carry a subset of the
// target's columns; only staged columns are written.
func (c *Client) Merge(ctx context.Context, st *StagingTable, primaryKey []string) error {
	if len(primaryKey) == 0 {
		return errors.New(errors.ErrorTypeValidation, "merge requires at least one primary key column")
	}

	sql := buildMergeSQL(c.projectID, c.dataset, st.Name, st.Schema, primaryKey)
	timer := metrics.NewTimer()

	err := c.retry.ExecuteIf(ctx, func() error {
		q := c.bq.Query(sql)
		q.Location = c.location

		job, err := q.Run(ctx)
		if err != nil {
			return classify(err)
		}
		status, err := job.Wait(ctx)
		if err != nil {
			return classify(err)
		}
		return classify(status.Err())
	}, errors.IsRetryable)

	elapsed := timer.ObserveInto(metrics.MergeLatency)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeMerge, "merge statement failed").
			WithDetail("staging", st.Name).
			WithDetail("target", st.Schema.Name)
	}

	c.log.Info("merged staging into target",
		zap.String("staging", st.Name),
		zap.String("target", st.Schema.Name),
		zap.Duration("duration", elapsed))
	return nil
}

// buildMergeSQL renders the upsert statement: update matched rows column by
// column, insert unmatched rows. Only the staged columns appear, so a
// partial-schema staging table (e.g. enrichment write-back) leaves the
// target's other columns untouched.
func buildMergeSQL(project, dataset, staging string, schema *models.Schema, primaryKey []string) string {
	target := fmt.Sprintf("`%s.%s.%s`", project, dataset, schema.Name)
	source := fmt.Sprintf("`%s.%s.%s`", project, dataset, staging)

	pk := make(map[string]bool, len(primaryKey))
	conds := make([]string, 0, len(primaryKey))
	for _, col := range primaryKey {
		pk[col] = true
		conds = append(conds, fmt.Sprintf("T.%s = S.%s", col, col))
	}

	var sets []string
	cols := schema.ColumnNames()
	for _, col := range cols {
		if !pk[col] {
			sets = append(sets, fmt.Sprintf("%s = S.%s", col, col))
		}
	}

	values := make([]string, len(cols))
	for i, col := range cols {
		values[i] = "S." + col
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s T\nUSING %s S\nON %s\n", target, source, strings.Join(conds, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN\n  UPDATE SET %s\n", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN\n  INSERT (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(values, ", "))
	return b.String()
}
