package probe

import "sync/atomic"

// Counters tracks synthetic traffic issued by the prober. It is injected into
// the prober and read by the metrics aggregator; there is no package-level
// instance. Each field is updated atomically, so concurrent probe calls never
// lose increments.
type Counters struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	auth       atomic.Int64
	rateLimit  atomic.Int64
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	AuthFailures       int64 `json:"auth_failures"`
	RateLimits         int64 `json:"rate_limits"`
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// RecordSuccess counts a 2xx gateway response.
func (c *Counters) RecordSuccess() {
	c.total.Add(1)
	c.successful.Add(1)
}

// RecordAuthFailure counts a 401 gateway response.
func (c *Counters) RecordAuthFailure() {
	c.total.Add(1)
	c.failed.Add(1)
	c.auth.Add(1)
}

// RecordRateLimit counts a 429 gateway response.
func (c *Counters) RecordRateLimit() {
	c.total.Add(1)
	c.failed.Add(1)
	c.rateLimit.Add(1)
}

// RecordFailure counts any other failed call: non-2xx statuses without a
// dedicated counter (403 included) and network-level failures.
func (c *Counters) RecordFailure() {
	c.total.Add(1)
	c.failed.Add(1)
}

// Snapshot returns a consistent-enough copy for aggregation. Individual
// fields are read atomically; the set as a whole is advisory.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		TotalRequests:      c.total.Load(),
		SuccessfulRequests: c.successful.Load(),
		FailedRequests:     c.failed.Load(),
		AuthFailures:       c.auth.Load(),
		RateLimits:         c.rateLimit.Load(),
	}
}
