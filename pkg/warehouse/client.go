// Package warehouse manages BigQuery raw tables for the sync engine: run-scoped
// staging tables, bulk loads, and the atomic merge path every write goes through.
package warehouse

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/models"
	"github.com/driftdata/driftsync/pkg/retry"
)

// Stager is the staged-merge surface the orchestrator and the backfill pool
// write through. Implemented by *Client; faked in tests.
type Stager interface {
	// EnsureTarget creates the merge target table if it does not exist
	EnsureTarget(ctx context.Context, schema *models.Schema) error

	// CreateStaging allocates a run-unique staging table for the schema
	CreateStaging(ctx context.Context, schema *models.Schema) (*StagingTable, error)

	// Load bulk-appends records into the staging table
	Load(ctx context.Context, st *StagingTable, records []models.Record) error

	// Merge reconciles all staged rows into the target table atomically
	Merge(ctx context.Context, st *StagingTable, primaryKey []string) error

	// Drop releases the staging table; invoked on every exit path
	Drop(ctx context.Context, st *StagingTable) error
}

// Client manages staging tables, bulk loads, and merges against one
// BigQuery dataset. Safe for concurrent use; each sync run owns its own
// staging tables, so runs never contend beyond the underlying API quota.
type Client struct {
	bq         *bigquery.Client
	projectID  string
	dataset    string
	location   string
	stagingTTL time.Duration
	retry      *retry.Policy
	log        *zap.Logger
}

// New creates a warehouse client from configuration. Credentials are a
// base64-encoded service-account key, matching the deployment's secret
// layout.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	wh := cfg.Warehouse
	if wh.ProjectID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "warehouse project_id is not set")
	}

	opts := []option.ClientOption{}
	if wh.CredentialsB64 != "" {
		key, err := base64.StdEncoding.DecodeString(wh.CredentialsB64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig,
				"failed to decode service account key")
		}
		opts = append(opts, option.WithCredentialsJSON(key))
	}

	bq, err := bigquery.NewClient(ctx, wh.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to create BigQuery client")
	}

	policy := &retry.Policy{
		MaxAttempts:     cfg.Reliability.RetryAttempts,
		InitialDelay:    cfg.Reliability.RetryDelay,
		MaxDelay:        cfg.Reliability.MaxRetryDelay,
		Multiplier:      cfg.Reliability.RetryMultiplier,
		RandomizeFactor: cfg.Reliability.RetryJitter,
	}

	return &Client{
		bq:         bq,
		projectID:  wh.ProjectID,
		dataset:    wh.Dataset,
		location:   wh.Location,
		stagingTTL: wh.StagingTTL,
		retry:      policy,
		log:        logger.With(zap.String("component", "warehouse")),
	}, nil
}

// Close closes the underlying BigQuery client.
func (c *Client) Close() error {
	return c.bq.Close()
}

// Dataset returns the configured dataset name.
func (c *Client) Dataset() string {
	return c.dataset
}

// EnsureDataset creates the dataset if it does not exist.
func (c *Client) EnsureDataset(ctx context.Context) error {
	ds := c.bq.Dataset(c.dataset)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	}

	err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: c.location})
	if err != nil {
		// Concurrent creation by another run is fine
		var apiErr *googleapi.Error
		if stderrors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dataset").
			WithDetail("dataset", c.dataset)
	}

	c.log.Info("created dataset",
		zap.String("dataset", c.dataset),
		zap.String("location", c.location))
	return nil
}

// classify maps a BigQuery API error onto the retry taxonomy. Quota and
// backend errors are retryable; everything else surfaces as-is for the
// caller to type.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return errors.Wrap(err, errors.ErrorTypeRateLimit, "warehouse throttled request")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return errors.Wrap(err, errors.ErrorTypeConnection, "transient warehouse error")
	case http.StatusUnauthorized:
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "warehouse authentication failed")
	case http.StatusForbidden:
		return errors.Wrap(err, errors.ErrorTypePermission, "warehouse permission denied")
	default:
		return err
	}
}
