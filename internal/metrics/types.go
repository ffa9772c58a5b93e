package metrics

// KuadrantStatus reports connectivity of the enforcement components as
// derived from metric availability.
type KuadrantStatus struct {
	IstioConnected     bool `json:"istioConnected"`
	AuthorinoConnected bool `json:"authorinoConnected"`
	LimitadorConnected bool `json:"limitadorConnected"`
}

// Snapshot is the dashboard view of gateway traffic. The derived fields obey
//
//	TotalRequests    = Accepted + RateLimited + AuthFailed + ServerErrors
//	RejectedRequests = RateLimited + AuthFailed + ServerErrors
//
// and are always computed from the components, never queried directly.
type Snapshot struct {
	TotalRequests          int64          `json:"totalRequests"`
	AcceptedRequests       int64          `json:"acceptedRequests"`
	RejectedRequests       int64          `json:"rejectedRequests"`
	AuthFailedRequests     int64          `json:"authFailedRequests"`
	RateLimitedRequests    int64          `json:"rateLimitedRequests"`
	ServerErrors           int64          `json:"serverErrors"`
	PolicyEnforcedRequests int64          `json:"policyEnforcedRequests"`
	Source                 string         `json:"source"`
	KuadrantStatus         KuadrantStatus `json:"kuadrantStatus"`
	RawMetrics             map[string]any `json:"rawMetrics"`
}
