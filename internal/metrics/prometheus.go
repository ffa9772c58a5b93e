package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/maasops/console-api/internal/apierr"
)

// queryResponse is the subset of the Prometheus instant-query response the
// client consumes.
type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Value []any `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// PromClient runs instant queries against one of several candidate Prometheus
// bases. The HTTP client and bearer token are fixed at construction; the base
// URL is per-call so the aggregator controls host fallback.
type PromClient struct {
	httpClient *http.Client
	token      string
	logger     zerolog.Logger
}

// NewPromClient creates a PromClient authenticating with the given bearer
// token.
func NewPromClient(httpClient *http.Client, token string, logger zerolog.Logger) *PromClient {
	return &PromClient{httpClient: httpClient, token: token, logger: logger}
}

// Ping reports whether the base answers instant queries at all, using the
// cheapest possible query.
func (c *PromClient) Ping(ctx context.Context, base string) error {
	_, err := c.Query(ctx, base, "up")
	return err
}

// Query runs one instant query and extracts the scalar from the first result
// sample. An empty result set is not an error: it means no series matched,
// which is normal with no traffic, and yields 0.
func (c *PromClient) Query(ctx context.Context, base, query string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/query?query=%s", base, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &apierr.UpstreamUnreachableError{Upstream: "metrics store", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &apierr.UpstreamError{Upstream: "metrics store", Status: resp.StatusCode}
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, &apierr.MalformedUpstreamError{Upstream: "metrics store", Err: err}
	}
	if parsed.Status != "success" {
		return 0, &apierr.MalformedUpstreamError{Upstream: "metrics store", Err: fmt.Errorf("query status %q", parsed.Status)}
	}

	if len(parsed.Data.Result) == 0 {
		return 0, nil
	}

	// Instant vector samples are [timestamp, "value"].
	value := parsed.Data.Result[0].Value
	if len(value) < 2 {
		return 0, &apierr.MalformedUpstreamError{Upstream: "metrics store", Err: fmt.Errorf("sample has %d elements", len(value))}
	}
	text, ok := value[1].(string)
	if !ok {
		return 0, &apierr.MalformedUpstreamError{Upstream: "metrics store", Err: fmt.Errorf("sample value is %T, not string", value[1])}
	}

	out, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, &apierr.MalformedUpstreamError{Upstream: "metrics store", Err: fmt.Errorf("parsing sample value %q: %w", text, err)}
	}
	return out, nil
}
