package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/maasops/console-api/internal/cluster"
)

// ChatRequest is a simulator passthrough call. Messages stays raw: the
// gateway validates it, not the console.
type ChatRequest struct {
	Model     string          `json:"model"`
	Tier      string          `json:"tier"`
	Messages  json.RawMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

// ForwardResult is the relayed outcome of a passthrough call.
type ForwardResult struct {
	StatusCode   int
	Body         any
	ErrorMessage string
	NetworkError bool
}

// Forward relays a chat-completion request to the gateway with the caller's
// own Authorization header and classifies the outcome into the shared
// counters, exactly like a probe call. The upstream body is relayed as-is.
func (p *Prober) Forward(ctx context.Context, req ChatRequest, authHeader string) *ForwardResult {
	model := req.Model
	if model == "" {
		model = "unknown"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}
	messages := req.Messages
	if len(messages) == 0 {
		messages = json.RawMessage("[]")
	}

	payload, err := json.Marshal(map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	})
	if err != nil {
		return &ForwardResult{
			StatusCode:   http.StatusInternalServerError,
			ErrorMessage: fmt.Sprintf("encoding gateway request: %v", err),
		}
	}

	endpoint := p.execCtx.ResolveHosts(cluster.HostGateway)[0] + "/v1/chat/completions"

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ForwardResult{
			StatusCode:   http.StatusInternalServerError,
			ErrorMessage: fmt.Sprintf("building gateway request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}

	p.logger.Info().
		Str("model", model).
		Str("tier", req.Tier).
		Str("endpoint", endpoint).
		Msg("forwarding simulator request to gateway")

	resp, err := p.execCtx.HTTPClient(p.timeout).Do(httpReq)
	if err != nil {
		p.counters.RecordFailure()
		probeResults.WithLabelValues("network_error").Inc()
		return &ForwardResult{
			StatusCode:   http.StatusInternalServerError,
			ErrorMessage: fmt.Sprintf("network error connecting to model: %v", err),
			NetworkError: true,
		}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	result := &ForwardResult{
		StatusCode: resp.StatusCode,
		Body:       parseBody(raw),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.counters.RecordSuccess()
		probeResults.WithLabelValues("success").Inc()

	case resp.StatusCode == http.StatusUnauthorized:
		p.counters.RecordAuthFailure()
		probeResults.WithLabelValues("auth_denied").Inc()
		result.ErrorMessage = "Authentication failed - invalid API key or unauthorized tier"

	case resp.StatusCode == http.StatusTooManyRequests:
		p.counters.RecordRateLimit()
		probeResults.WithLabelValues("rate_limited").Inc()
		result.ErrorMessage = "Rate limit exceeded for this tier"

	case resp.StatusCode == http.StatusForbidden:
		p.counters.RecordFailure()
		probeResults.WithLabelValues("forbidden").Inc()
		result.ErrorMessage = "Forbidden - tier not allowed for this model"

	default:
		p.counters.RecordFailure()
		probeResults.WithLabelValues("error").Inc()
		result.ErrorMessage = fmt.Sprintf("Model endpoint error: %s", http.StatusText(resp.StatusCode))
	}

	return result
}
