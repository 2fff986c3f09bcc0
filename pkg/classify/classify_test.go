package classify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdata/driftsync/pkg/config"
	"github.com/driftdata/driftsync/pkg/errors"
)

func newTestClient(serverURL string) *Client {
	return New(config.ClassifierConfig{
		AccountID: "test-acct",
		APIToken:  "test-token",
		BaseURL:   serverURL,
	}, 5*time.Second)
}

func TestClassify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/accounts/test-acct/ai/run/")
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		fmt.Fprint(w, `{"success":true,"result":[{"label":"POSITIVE","score":0.98765432}]}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Classify(context.Background(), "this library is a joy to use")
	require.NoError(t, err)

	assert.Equal(t, "POSITIVE", res.Label)
	assert.Equal(t, 0.9877, res.Score)
	assert.Equal(t, "positive", res.Category)
}

func TestClassify_NegativeLabelSignsScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"result":[{"label":"NEGATIVE","score":0.91}]}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Classify(context.Background(), "this release broke everything")
	require.NoError(t, err)

	assert.Equal(t, -0.91, res.Score)
	assert.Equal(t, "negative", res.Category)
}

func TestClassify_ShortTextIsNeutralWithoutCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("classifier must not be called for short text")
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Classify(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, Neutral(), res)
}

func TestClassify_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantType  errors.ErrorType
		retryable bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, wantType: errors.ErrorTypeRateLimit, retryable: true},
		{name: "backend error", status: http.StatusBadGateway, wantType: errors.ErrorTypeConnection, retryable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, wantType: errors.ErrorTypeAuthentication, retryable: false},
		{name: "forbidden", status: http.StatusForbidden, wantType: errors.ErrorTypePermission, retryable: false},
		{name: "bad request", status: http.StatusBadRequest, wantType: errors.ErrorTypeValidation, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Classify(context.Background(), "a payload long enough to submit")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestClassify_UnsuccessfulBodySurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"result":[],"errors":[{"message":"model overloaded"}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Classify(context.Background(), "a payload long enough to submit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestScoreResult_Categories(t *testing.T) {
	tests := []struct {
		label      string
		confidence float64
		wantScore  float64
		wantCat    string
	}{
		{label: "POSITIVE", confidence: 0.9, wantScore: 0.9, wantCat: "positive"},
		{label: "POSITIVE", confidence: 0.2, wantScore: 0.2, wantCat: "neutral"},
		{label: "NEGATIVE", confidence: 0.9, wantScore: -0.9, wantCat: "negative"},
		{label: "NEGATIVE", confidence: 0.1, wantScore: -0.1, wantCat: "neutral"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%.1f", tt.label, tt.confidence), func(t *testing.T) {
			res := scoreResult(tt.label, tt.confidence)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantCat, res.Category)
		})
	}
}

func TestCleanHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain text unchanged", in: "just a comment", want: "just a comment"},
		{
			name: "tags stripped",
			in:   "<p>first paragraph</p><p>second one</p>",
			want: "first paragraph second one",
		},
		{
			name: "entities stripped",
			in:   "less&nbsp;is&amp;more",
			want: "less is more",
		},
		{
			name: "whitespace collapsed",
			in:   "  spread \n out \t text  ",
			want: "spread out text",
		},
		{
			name: "links reduced to text",
			in:   `see <a href="https://example.com">the docs</a> here`,
			want: "see the docs here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanHTML(tt.in))
		})
	}
}
