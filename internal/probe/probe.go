// Package probe issues live test calls through the model-serving gateway
// under a caller-supplied credential and classifies the outcome by HTTP
// status. Every call is tracked in the injected Counters so the metrics
// aggregator can blend synthetic traffic into the dashboard.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
)

// policyReasonHeader carries the policy engine's explanation for a denial.
const policyReasonHeader = "x-ext-auth-reason"

var probeResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "console_gateway_probe_results_total",
		Help: "Gateway probe calls by classified outcome",
	},
	[]string{"outcome"},
)

// Request is one probe invocation.
type Request struct {
	Model      string `json:"model"`
	Message    string `json:"message"`
	Credential string `json:"token"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// RequestInfo echoes what was actually sent, for UI diagnostics.
type RequestInfo struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body"`
}

// ResponseInfo echoes what came back. Body is the parsed JSON document when
// the body is valid JSON, otherwise the raw text.
type ResponseInfo struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// Result is the classified outcome of one probe call.
type Result struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Request    RequestInfo   `json:"request"`
	Response   *ResponseInfo `json:"responseDetails,omitempty"`
}

// Prober performs gateway test calls.
type Prober struct {
	execCtx    cluster.ExecutionContext
	counters   *Counters
	logger     zerolog.Logger
	timeout    time.Duration
	authScheme string
	maxTokens  int

	// hostOverrides maps a model name to the Host header the gateway's
	// routing expects for it when called through the public address.
	hostOverrides map[string]string
}

// Option configures a Prober.
type Option func(*Prober)

// WithHostOverrides sets the model-to-Host-header routing table used for
// out-of-cluster calls.
func WithHostOverrides(overrides map[string]string) Option {
	return func(p *Prober) { p.hostOverrides = overrides }
}

// WithMaxTokens sets the max_tokens value sent on probe completions.
func WithMaxTokens(n int) Option {
	return func(p *Prober) { p.maxTokens = n }
}

// WithAuthScheme sets the credential prefix re-applied after normalization
// when the caller did not supply one.
func WithAuthScheme(scheme string) Option {
	return func(p *Prober) { p.authScheme = scheme }
}

// NewProber creates a Prober. counters must be shared with the metrics
// aggregator for synthetic traffic to appear on the dashboard.
func NewProber(execCtx cluster.ExecutionContext, counters *Counters, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Prober {
	p := &Prober{
		execCtx:    execCtx,
		counters:   counters,
		logger:     logger,
		timeout:    timeout,
		authScheme: "APIKEY",
		maxTokens:  50,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe performs one live chat-completion call and classifies the result.
// Validation failures are returned as an error before any network activity;
// every attempted call moves the counters exactly once.
func (p *Prober) Probe(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, &apierr.ClientInputError{Field: "token"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, &apierr.ClientInputError{Field: "message"}
	}

	model := req.Model
	if model == "" {
		model = "vllm-simulator"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	scheme, token := p.normalizeCredential(req.Credential)

	body := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Message},
		},
		"max_tokens": maxTokens,
	}

	endpoint := p.execCtx.ResolveHosts(cluster.HostGateway)[0] + "/v1/chat/completions"
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": scheme + " " + token,
	}

	result := &Result{
		ID: uuid.NewString(),
		Request: RequestInfo{
			URL:     endpoint,
			Method:  http.MethodPost,
			Headers: headers,
			Body:    body,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding probe request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	// The gateway routes by Host, so external calls must carry the header
	// the routing layer expects for this model, not the public hostname.
	if !p.execCtx.IsManaged() {
		if host, ok := p.hostOverrides[model]; ok {
			httpReq.Host = host
			result.Request.Headers["Host"] = host
		}
	}

	p.logger.Info().
		Str("probe_id", result.ID).
		Str("model", model).
		Str("endpoint", endpoint).
		Str("auth_scheme", scheme).
		Msg("issuing gateway probe")

	resp, err := p.execCtx.HTTPClient(p.timeout).Do(httpReq)
	if err != nil {
		p.counters.RecordFailure()
		probeResults.WithLabelValues("network_error").Inc()

		result.StatusCode = http.StatusServiceUnavailable
		result.Message = fmt.Sprintf("Network Error: unable to connect to %s: %v", endpoint, err)
		result.Response = &ResponseInfo{
			Status:  http.StatusServiceUnavailable,
			Headers: map[string]string{},
			Body:    fmt.Sprintf("network error: %v", err),
		}
		return result, nil
	}
	defer resp.Body.Close()

	p.classify(resp, token, result)
	return result, nil
}

// normalizeCredential strips a Bearer/APIKEY prefix the caller may have
// included and returns the scheme to re-apply with the bare token. A caller
// who said Bearer keeps Bearer; everything else gets the configured scheme.
func (p *Prober) normalizeCredential(credential string) (scheme, token string) {
	token = strings.TrimSpace(credential)
	scheme = p.authScheme

	switch {
	case strings.HasPrefix(token, "Bearer "):
		scheme = "Bearer"
		token = strings.TrimPrefix(token, "Bearer ")
	case strings.HasPrefix(token, "APIKEY "):
		token = strings.TrimPrefix(token, "APIKEY ")
	}
	return scheme, strings.TrimSpace(token)
}

func (p *Prober) classify(resp *http.Response, token string, result *Result) {
	raw, _ := io.ReadAll(resp.Body)

	result.StatusCode = resp.StatusCode
	result.Response = &ResponseInfo{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    parseBody(raw),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.counters.RecordSuccess()
		probeResults.WithLabelValues("success").Inc()
		result.Success = true
		result.Message = "Token test successful!"
		return
	}

	reason := policyReason(resp.Header.Get(policyReasonHeader))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		p.counters.RecordAuthFailure()
		probeResults.WithLabelValues("auth_denied").Inc()
		result.Message = fmt.Sprintf("Authentication Failed: API key '%s' is invalid or not known to the policy engine%s", truncateToken(token), reason)

	case http.StatusForbidden:
		p.counters.RecordFailure()
		probeResults.WithLabelValues("forbidden").Inc()
		result.Message = fmt.Sprintf("Authorization Failed: API key is valid but not authorized for this model%s", reason)

	case http.StatusTooManyRequests:
		p.counters.RecordRateLimit()
		probeResults.WithLabelValues("rate_limited").Inc()
		result.Message = fmt.Sprintf("Rate Limited: API key has exceeded rate limits%s", reason)

	default:
		p.counters.RecordFailure()
		probeResults.WithLabelValues("error").Inc()
		result.Message = fmt.Sprintf("Request Failed: %d %s%s", resp.StatusCode, http.StatusText(resp.StatusCode), reason)
	}

	p.logger.Info().
		Str("probe_id", result.ID).
		Int("status", resp.StatusCode).
		Msg("gateway probe denied or failed")
}

// policyReason formats the policy engine's explanation header for appending
// to the human-readable message. JSON content is re-encoded compactly;
// anything else is included verbatim.
func policyReason(header string) string {
	if header == "" {
		return ""
	}

	var parsed any
	if err := json.Unmarshal([]byte(header), &parsed); err == nil {
		if compact, err := json.Marshal(parsed); err == nil {
			return " | Policy engine details: " + string(compact)
		}
	}
	return " | Policy engine reason: " + header
}

func parseBody(raw []byte) any {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncateToken(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}
