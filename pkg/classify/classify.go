// Package classify wraps the external text classification service
// (Cloudflare Workers AI sentiment model). It distinguishes throttling,
// which the backfill pool retries with backoff, from permanent rejection,
// which fails a job immediately.
package classify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
	"github.com/driftdata/driftsync/pkg/logger"
	"github.com/driftdata/driftsync/pkg/metrics"
)

const (
	defaultBaseURL = "https://api.cloudflare.com/client/v4"
	modelPath      = "/ai/run/@cf/huggingface/distilbert-sst-2-int8"

	// minTextLength is the shortest payload worth a classifier call;
	// anything shorter is neutral by definition
	minTextLength = 10

	// maxTextLength truncates very long payloads before submission
	maxTextLength = 1000
)

// Result is one classification outcome: the model label, a signed score in
// [-1, 1], and the derived category.
type Result struct {
	Label    string  `json:"sentiment_label"`
	Score    float64 `json:"sentiment_score"`
	Category string  `json:"sentiment_category"`
}

// Neutral is the result assigned to payloads too short to classify.
func Neutral() *Result {
	return &Result{Label: "NEUTRAL", Score: 0, Category: "neutral"}
}

// Client calls the sentiment classification endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountID  string
	token      string
	log        *zap.Logger
}

// New creates a classifier client from configuration.
func New(cfg config.ClassifierConfig, timeout time.Duration) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		accountID:  cfg.AccountID,
		token:      cfg.APIToken,
		log:        logger.With(zap.String("component", "classifier")),
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Success bool `json:"success"`
	Result  []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Classify submits one text payload and returns the labeled result.
// Throttling surfaces as ErrorTypeRateLimit and transient backend errors as
// ErrorTypeConnection, both retryable; other rejections are permanent.
func (c *Client) Classify(ctx context.Context, text string) (*Result, error) {
	if len(text) < minTextLength {
		return Neutral(), nil
	}
	if len(text) > maxTextLength {
		text = text[:maxTextLength]
	}

	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode payload")
	}

	url := fmt.Sprintf("%s/accounts/%s%s", c.baseURL, c.accountID, modelPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	timer := metrics.NewTimer()
	resp, err := c.httpClient.Do(req)
	timer.ObserveInto(metrics.ClassifierLatency)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "classifier request failed")
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to decode classifier response")
	}
	if !parsed.Success || len(parsed.Result) == 0 {
		msg := "classifier returned no result"
		if len(parsed.Errors) > 0 {
			msg = parsed.Errors[0].Message
		}
		return nil, errors.New(errors.ErrorTypeValidation, msg)
	}

	return scoreResult(parsed.Result[0].Label, parsed.Result[0].Score), nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	// Drain so the connection can be reused
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.New(errors.ErrorTypeRateLimit, "classifier throttled request")
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New(errors.ErrorTypeAuthentication, "classifier authentication failed")
	case resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrorTypePermission, "classifier permission denied")
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrorTypeConnection, "classifier backend error").
			WithDetail("status", resp.StatusCode)
	default:
		return errors.New(errors.ErrorTypeValidation, "classifier rejected payload").
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(snippet))
	}
}

// scoreResult converts a label and confidence into a signed score in
// [-1, 1] and a category with ±0.25 thresholds.
func scoreResult(label string, confidence float64) *Result {
	score := confidence
	if label != "POSITIVE" {
		score = -confidence
	}
	score = math.Round(score*10000) / 10000

	category := "neutral"
	switch {
	case score > 0.25:
		category = "positive"
	case score < -0.25:
		category = "negative"
	}

	return &Result{Label: label, Score: score, Category: category}
}
