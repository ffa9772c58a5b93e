package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
	"github.com/maasops/console-api/internal/probe"
)

type fakeExecCtx struct {
	managed      bool
	metricsHosts []string
}

func (f *fakeExecCtx) IsManaged() bool { return f.managed }

func (f *fakeExecCtx) ResolveHosts(kind cluster.HostKind) []string {
	if kind == cluster.HostMetrics {
		return f.metricsHosts
	}
	return nil
}

func (f *fakeExecCtx) RESTConfig() (*rest.Config, error) { return nil, errors.New("unavailable") }
func (f *fakeExecCtx) BearerToken() string               { return "test-token" }
func (f *fakeExecCtx) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// fakeProm serves instant-query responses from a query->value table. Queries
// not in the table answer an empty result set.
func fakeProm(t *testing.T, values map[string]float64, failing map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if failing[query] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		value, ok := values[query]
		if !ok && query != "up" {
			fmt.Fprint(w, `{"status":"success","data":{"result":[]}}`)
			return
		}
		if query == "up" {
			value = 1
		}
		fmt.Fprintf(w, `{"status":"success","data":{"result":[{"value":[1756000000,"%g"]}]}}`, value)
	}))
}

func queryByName(name string) string {
	for _, q := range queryCycle {
		if q.name == name {
			return q.query
		}
	}
	panic("unknown query " + name)
}

func newTestAggregator(execCtx cluster.ExecutionContext, counters *probe.Counters) *Aggregator {
	if counters == nil {
		counters = probe.NewCounters()
	}
	return NewAggregator(execCtx, counters, time.Second, 2*time.Second, zerolog.Nop())
}

func TestSnapshotArithmetic(t *testing.T) {
	ts := fakeProm(t, map[string]float64{
		queryByName("accepted_requests"): 10,
		queryByName("rate_limited"):      3, // same query feeds auth_denied
		queryByName("server_errors"):     2,
		queryByName("limitador_status"):  1,
	}, nil)
	defer ts.Close()

	a := newTestAggregator(&fakeExecCtx{managed: true, metricsHosts: []string{ts.URL}}, nil)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(10), snap.AcceptedRequests)
	assert.Equal(t, int64(3), snap.RateLimitedRequests)
	assert.Equal(t, int64(3), snap.AuthFailedRequests)
	assert.Equal(t, int64(2), snap.ServerErrors)
	assert.Equal(t, int64(18), snap.TotalRequests)
	assert.Equal(t, int64(8), snap.RejectedRequests)
	assert.Equal(t, snap.RejectedRequests, snap.PolicyEnforcedRequests)
	assert.Equal(t, "prometheus-envoy-metrics", snap.Source)
	assert.True(t, snap.KuadrantStatus.LimitadorConnected)
}

func TestSnapshotAdditiveInvariants(t *testing.T) {
	ts := fakeProm(t, map[string]float64{
		queryByName("accepted_requests"): 100,
		queryByName("rate_limited"):      7,
		queryByName("server_errors"):     1,
	}, nil)
	defer ts.Close()

	a := newTestAggregator(&fakeExecCtx{managed: true, metricsHosts: []string{ts.URL}}, nil)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, snap.AcceptedRequests+snap.RejectedRequests, snap.TotalRequests)
	assert.Equal(t, snap.RateLimitedRequests+snap.AuthFailedRequests+snap.ServerErrors, snap.RejectedRequests)
	assert.False(t, snap.KuadrantStatus.LimitadorConnected)
}

func TestSnapshotHostFallback(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	live := fakeProm(t, map[string]float64{
		queryByName("accepted_requests"): 5,
	}, nil)
	defer live.Close()

	a := newTestAggregator(&fakeExecCtx{managed: true, metricsHosts: []string{dead.URL, live.URL}}, nil)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.AcceptedRequests)
}

func TestSnapshotUnreachableManaged(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	a := newTestAggregator(&fakeExecCtx{managed: true, metricsHosts: []string{dead.URL}}, nil)

	snap, err := a.Snapshot(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, apierr.IsUpstreamUnreachable(err))
}

func TestSnapshotLocalFallbackBlendsCounters(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	counters := probe.NewCounters()
	counters.RecordSuccess()
	counters.RecordSuccess()
	counters.RecordRateLimit()
	counters.RecordAuthFailure()

	a := newTestAggregator(&fakeExecCtx{managed: false, metricsHosts: []string{dead.URL}}, counters)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.AcceptedRequests)
	assert.Equal(t, int64(1), snap.RateLimitedRequests)
	assert.Equal(t, int64(1), snap.AuthFailedRequests)
	assert.Equal(t, int64(4), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.RejectedRequests)

	// The zero baseline reports the limiter as up so the UI does not show a
	// dead enforcement stack for a plain local run.
	assert.True(t, snap.KuadrantStatus.LimitadorConnected)
}

func TestSnapshotBlendsOnTopOfLiveDataWhenUnmanaged(t *testing.T) {
	ts := fakeProm(t, map[string]float64{
		queryByName("accepted_requests"): 10,
	}, nil)
	defer ts.Close()

	counters := probe.NewCounters()
	counters.RecordSuccess()

	a := newTestAggregator(&fakeExecCtx{managed: false, metricsHosts: []string{ts.URL}}, counters)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), snap.AcceptedRequests)
}

func TestSnapshotQueryErrorDegradesToZero(t *testing.T) {
	ts := fakeProm(t,
		map[string]float64{
			queryByName("accepted_requests"): 10,
			queryByName("server_errors"):     2,
		},
		map[string]bool{queryByName("accepted_requests"): true},
	)
	defer ts.Close()

	a := newTestAggregator(&fakeExecCtx{managed: true, metricsHosts: []string{ts.URL}}, nil)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.AcceptedRequests)
	assert.Equal(t, int64(2), snap.ServerErrors)
	assert.Equal(t, int64(2), snap.TotalRequests)
}
