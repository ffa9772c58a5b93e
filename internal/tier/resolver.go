// Package tier resolves the signed-in user's team tier and API keys from the
// key-management service. Both lookups degrade instead of failing: a dead key
// manager yields the fallback tier and an empty key list, never an error page.
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
)

const secretKeyField = "api_key"

// FallbackTier is returned whenever the key manager cannot be consulted. It
// is deliberately permissive so a degraded control plane never blocks usage.
var FallbackTier = Info{
	Name:     "default",
	Usage:    0,
	Limit:    100000,
	Models:   []string{},
	TeamName: "Default Team",
	Policy:   "unlimited-policy",
}

// Config carries the resolver's identity and lookup defaults.
type Config struct {
	AdminKey        string
	UserID          string
	TeamID          string
	SecretNamespace string
	DefaultModels   []string
	DefaultLimit    int
	Timeout         time.Duration
}

// Resolver answers tier and key-listing lookups.
type Resolver struct {
	execCtx cluster.ExecutionContext
	secrets corev1client.SecretsGetter
	cfg     Config
	logger  zerolog.Logger
}

// NewResolver creates a Resolver. secrets may be nil, in which case key
// listings are returned without actual key material.
func NewResolver(execCtx cluster.ExecutionContext, secrets corev1client.SecretsGetter, cfg Config, logger zerolog.Logger) *Resolver {
	if cfg.UserID == "" {
		cfg.UserID = "noyitz"
	}
	if cfg.TeamID == "" {
		cfg.TeamID = "default"
	}
	if cfg.SecretNamespace == "" {
		cfg.SecretNamespace = "llm"
	}
	if len(cfg.DefaultModels) == 0 {
		cfg.DefaultModels = []string{"vllm-simulator", "qwen3-0.6b-instruct"}
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = 100000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resolver{execCtx: execCtx, secrets: secrets, cfg: cfg, logger: logger}
}

// ResolveTier maps the user's team record onto tier information. Any failure
// to reach or decode the key manager yields FallbackTier; this method never
// returns an error.
func (r *Resolver) ResolveTier(ctx context.Context) Info {
	var team teamResponse
	if err := r.callKeyManager(ctx, "/teams/"+r.cfg.TeamID, &team); err != nil {
		r.logger.Warn().Err(err).Str("team", r.cfg.TeamID).Msg("tier lookup degraded to fallback")
		fallback := FallbackTier
		fallback.TeamID = r.cfg.TeamID
		return fallback
	}

	policy := team.Policy
	if policy == "" {
		policy = "unlimited-policy"
	}

	info := Info{
		Name:     policy,
		Usage:    team.Usage,
		Limit:    r.cfg.DefaultLimit,
		Models:   r.cfg.DefaultModels,
		TeamID:   team.TeamID,
		TeamName: team.TeamName,
		Policy:   policy,
	}
	if team.Limit > 0 {
		info.Limit = team.Limit
	}
	if len(team.Models) > 0 {
		info.Models = team.Models
	}
	return info
}

// ListKeys returns the user's API keys, enriched with the actual key value
// from the backing Kubernetes secret where readable. A dead key manager
// yields an empty list; a single unreadable secret only leaves that entry's
// key material blank.
func (r *Resolver) ListKeys(ctx context.Context) []Key {
	var resp keysResponse
	if err := r.callKeyManager(ctx, "/users/"+r.cfg.UserID+"/keys", &resp); err != nil {
		r.logger.Warn().Err(err).Str("user", r.cfg.UserID).Msg("key listing degraded to empty")
		return []Key{}
	}

	keys := make([]Key, 0, len(resp.Keys))
	for _, record := range resp.Keys {
		name := record.SecretName
		if name == "" {
			name = "unknown"
		}
		display := record.Alias
		if display == "" {
			display = name
		}

		keys = append(keys, Key{
			Name:         name,
			DisplayName:  display,
			Created:      record.CreatedAt,
			Status:       statusOrActive(record.Status),
			TeamID:       record.TeamID,
			TeamName:     record.TeamName,
			Policy:       record.Policy,
			Alias:        record.Alias,
			ActualAPIKey: r.apiKeyForSecret(ctx, name),
		})
	}

	r.logger.Info().Int("count", len(keys)).Msg("listed user keys")
	return keys
}

// apiKeyForSecret returns the key material for a secret, preferring an
// environment override (local development) over the cluster secret.
func (r *Resolver) apiKeyForSecret(ctx context.Context, secretName string) string {
	envName := "API_KEY_" + strings.ToUpper(strings.ReplaceAll(secretName, "-", "_"))
	if v := os.Getenv(envName); v != "" {
		return v
	}

	if r.secrets == nil {
		return ""
	}

	secret, err := r.secrets.Secrets(r.cfg.SecretNamespace).Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		r.logger.Warn().Err(err).Str("secret", secretName).Msg("secret not readable, omitting key material")
		return ""
	}
	return string(secret.Data[secretKeyField])
}

// callKeyManager performs one authenticated GET against the key manager and
// decodes the JSON body into out.
func (r *Resolver) callKeyManager(ctx context.Context, path string, out any) error {
	base := r.execCtx.ResolveHosts(cluster.HostKeyManager)[0]

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("building key-manager request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.AdminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.execCtx.HTTPClient(r.cfg.Timeout).Do(req)
	if err != nil {
		return &apierr.UpstreamUnreachableError{Upstream: "key manager", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apierr.UpstreamError{Upstream: "key manager", Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apierr.MalformedUpstreamError{Upstream: "key manager", Err: err}
	}
	return nil
}

func statusOrActive(s string) string {
	if s == "" {
		return "active"
	}
	return s
}
