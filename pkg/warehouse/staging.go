package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/models"
)

// StagingTable is an ephemeral warehouse table scoped to a single run.
// Created at run start, populated by one or more bulk loads, consumed by
// exactly one merge, and dropped on every exit path. An expiration time
// covers the crash case where Drop never runs.
type StagingTable struct {
	// Name is the run-unique table name
	Name string

	// Schema mirrors the target table columns being staged
	Schema *models.Schema

	table *bigquery.Table
}

// CreateStaging allocates a staging table with a run-unique name.
// Fails with ErrorTypeStagingUnavailable if the warehouse rejects creation,
// which is fatal for the run.
func (c *Client) CreateStaging(ctx context.Context, schema *models.Schema) (*StagingTable, error) {
	name := stagingName(schema.Name)
	table := c.bq.Dataset(c.dataset).Table(name)

	meta := &bigquery.TableMetadata{
		Schema: schema.ToBigQuery(),
	}
	if c.stagingTTL > 0 {
		meta.ExpirationTime = time.Now().Add(c.stagingTTL)
	}

	err := c.retry.ExecuteIf(ctx, func() error {
		return classify(table.Create(ctx, meta))
	}, errors.IsRetryable)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStagingUnavailable,
			"failed to create staging table").WithDetail("table", name)
	}

	c.log.Debug("created staging table",
		zap.String("staging", name),
		zap.String("target", schema.Name))

	return &StagingTable{Name: name, Schema: schema, table: table}, nil
}

// Load bulk-appends records into the staging table via a load job with
// newline-delimited JSON. Repeating a load before a merge duplicates rows in
// staging; callers must merge-and-drop between loads of the same batch.
func (c *Client) Load(ctx context.Context, st *StagingTable, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	payload, err := encodeNDJSON(records)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode records")
	}

	err = c.retry.ExecuteIf(ctx, func() error {
		source := bigquery.NewReaderSource(bytes.NewReader(payload))
		source.SourceFormat = bigquery.JSON
		source.Schema = st.Schema.ToBigQuery()

		loader := st.table.LoaderFrom(source)
		loader.WriteDisposition = bigquery.WriteAppend

		job, err := loader.Run(ctx)
		if err != nil {
			return classify(err)
		}
		status, err := job.Wait(ctx)
		if err != nil {
			return classify(err)
		}
		return classify(status.Err())
	}, errors.IsRetryable)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "staging load failed").
			WithDetail("table", st.Name).
			WithDetail("records", len(records))
	}

	c.log.Debug("loaded records into staging",
		zap.String("staging", st.Name),
		zap.Int("records", len(records)))
	return nil
}

// Drop deletes the staging table. Safe to call after a failed merge; a
// missing table is not an error.
func (c *Client) Drop(ctx context.Context, st *StagingTable) error {
	if st == nil || st.table == nil {
		return nil
	}
	if err := st.table.Delete(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop staging table").
			WithDetail("table", st.Name)
	}
	c.log.Debug("dropped staging table", zap.String("staging", st.Name))
	return nil
}

// stagingName builds a run-unique staging table name for a target table.
// BigQuery table IDs permit only word characters, so the UUID is flattened.
func stagingName(target string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("_staging_%s_%s", target, suffix)
}

func encodeNDJSON(records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
