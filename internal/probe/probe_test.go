package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
)

func testContext(t *testing.T, gatewayURL string) *cluster.Context {
	t.Helper()
	return cluster.New(cluster.Config{
		TokenPath:  t.TempDir() + "/no-token",
		GatewayURL: gatewayURL,
	}, zerolog.Nop())
}

func newTestProber(t *testing.T, gatewayURL string) (*Prober, *Counters) {
	t.Helper()
	counters := NewCounters()
	p := NewProber(testContext(t, gatewayURL), counters, testTimeout, zerolog.Nop())
	return p, counters
}

const testTimeout = 5 * time.Second

func TestProbeValidation(t *testing.T) {
	p, counters := newTestProber(t, "http://gateway.invalid")

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing credential", Request{Message: "hi"}, "token"},
		{"blank credential", Request{Credential: "   ", Message: "hi"}, "token"},
		{"missing message", Request{Credential: "abc"}, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := p.Probe(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, apierr.IsClientInput(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	// Rejected input never moves the counters.
	assert.Equal(t, int64(0), counters.Snapshot().TotalRequests)
}

func TestProbeClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		reason      string
		wantSuccess bool
		wantMessage string
		wantAuth    int64
		wantRate    int64
		wantOK      int64
		wantFailed  int64
	}{
		{
			name:        "success",
			status:      http.StatusOK,
			wantSuccess: true,
			wantMessage: "Token test successful!",
			wantOK:      1,
		},
		{
			name:        "auth denied",
			status:      http.StatusUnauthorized,
			wantMessage: "Authentication Failed",
			wantAuth:    1,
			wantFailed:  1,
		},
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			reason:      `{"reason":"limit exhausted"}`,
			wantMessage: "Rate Limited",
			wantRate:    1,
			wantFailed:  1,
		},
		{
			name:        "forbidden",
			status:      http.StatusForbidden,
			wantMessage: "Authorization Failed",
			wantFailed:  1,
		},
		{
			name:        "server error",
			status:      http.StatusBadGateway,
			wantMessage: "Request Failed: 502",
			wantFailed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.reason != "" {
					w.Header().Set("x-ext-auth-reason", tt.reason)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"response body"}`))
			}))
			defer ts.Close()

			p, counters := newTestProber(t, ts.URL)

			result, err := p.Probe(context.Background(), Request{
				Credential: "test-key",
				Message:    "hello",
			})
			require.NoError(t, err)
			require.NotNil(t, result)

			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.status, result.StatusCode)
			assert.Contains(t, result.Message, tt.wantMessage)
			assert.NotEmpty(t, result.ID)
			require.NotNil(t, result.Response)
			assert.Equal(t, tt.status, result.Response.Status)

			if tt.reason != "" {
				assert.Contains(t, result.Message, "Policy engine details")
			}

			// Exactly one counter movement per attempted call.
			snap := counters.Snapshot()
			assert.Equal(t, int64(1), snap.TotalRequests)
			assert.Equal(t, tt.wantOK, snap.SuccessfulRequests)
			assert.Equal(t, tt.wantFailed, snap.FailedRequests)
			assert.Equal(t, tt.wantAuth, snap.AuthFailures)
			assert.Equal(t, tt.wantRate, snap.RateLimits)
		})
	}
}

func TestProbeNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listening anymore

	p, counters := newTestProber(t, ts.URL)

	result, err := p.Probe(context.Background(), Request{Credential: "k", Message: "m"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	assert.Contains(t, result.Message, "Network Error")

	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
}

func TestProbeSendsNormalizedCredential(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	tests := []struct {
		name       string
		credential string
		want       string
	}{
		{"bare key gets default scheme", "sk-abc123", "APIKEY sk-abc123"},
		{"APIKEY prefix stripped and reapplied", "APIKEY sk-abc123", "APIKEY sk-abc123"},
		{"Bearer prefix preserved", "Bearer sk-abc123", "Bearer sk-abc123"},
		{"surrounding whitespace trimmed", "  sk-abc123  ", "APIKEY sk-abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProber(t, ts.URL)
			_, err := p.Probe(context.Background(), Request{Credential: tt.credential, Message: "hi"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, gotAuth)
		})
	}
}

func TestProbeHostOverride(t *testing.T) {
	var gotHost string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	counters := NewCounters()
	p := NewProber(testContext(t, ts.URL), counters, testTimeout, zerolog.Nop(),
		WithHostOverrides(map[string]string{"qwen3-0.6b-instruct": "qwen.llm.internal"}))

	_, err := p.Probe(context.Background(), Request{
		Model:      "qwen3-0.6b-instruct",
		Credential: "k",
		Message:    "m",
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen.llm.internal", gotHost)
}
