// Package cluster decides where the console is running and which upstream
// hosts it should talk to. Every component that needs host selection takes an
// ExecutionContext instead of checking environment details itself.
package cluster

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// HostKind selects a class of upstream endpoints.
type HostKind string

const (
	// HostMetrics is the ordered list of candidate Prometheus bases.
	HostMetrics HostKind = "metrics"
	// HostGateway is the model-serving gateway entry point.
	HostGateway HostKind = "gateway"
	// HostKeyManager is the key-management service.
	HostKeyManager HostKind = "keymanager"
)

// DefaultTokenPath is where Kubernetes mounts the service-account token.
const DefaultTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// ExecutionContext exposes the environment decisions the components need:
// whether we run inside the managed cluster, which hosts serve each upstream,
// and which identity to use against the Kubernetes API.
type ExecutionContext interface {
	IsManaged() bool
	ResolveHosts(kind HostKind) []string
	RESTConfig() (*rest.Config, error)
	BearerToken() string
	HTTPClient(timeout time.Duration) *http.Client
}

// Config carries the externally supplied environment knobs.
type Config struct {
	// TokenPath overrides the service-account token location (tests).
	TokenPath string

	// ClusterDomain is the apps domain used to derive external routes.
	ClusterDomain string

	// ExternalAPIServer is the public Kubernetes API endpoint used when
	// running outside the cluster (https://api.<domain>:6443).
	ExternalAPIServer string

	// ExternalBearerToken authenticates external API and Prometheus access.
	ExternalBearerToken string

	// Kubeconfig optionally points at a kubeconfig file for external access.
	Kubeconfig string

	// KeyManagerBaseURL overrides the derived key-manager route.
	KeyManagerBaseURL string

	// GatewayURL overrides the derived gateway endpoint.
	GatewayURL string

	// InsecureSkipTLSVerify disables certificate checks against upstreams
	// (self-signed development clusters).
	InsecureSkipTLSVerify bool
}

// Context is the concrete ExecutionContext backed by Config and the
// service-account token file.
type Context struct {
	cfg       Config
	logger    zerolog.Logger
	managed   bool
	saToken   string
	transport *http.Transport
}

// New builds a Context. Managed-cluster detection is the presence of the
// service-account token file.
func New(cfg Config, logger zerolog.Logger) *Context {
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = DefaultTokenPath
	}

	c := &Context{cfg: cfg, logger: logger, transport: &http.Transport{}}
	if cfg.InsecureSkipTLSVerify {
		c.transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	data, err := os.ReadFile(tokenPath)
	if err == nil {
		c.managed = true
		c.saToken = strings.TrimSpace(string(data))
	}

	logger.Info().
		Bool("managed", c.managed).
		Str("cluster_domain", cfg.ClusterDomain).
		Msg("execution context initialized")

	return c
}

// IsManaged reports whether the console runs inside the managed cluster.
func (c *Context) IsManaged() bool { return c.managed }

// BearerToken returns the credential used against cluster upstreams: the
// service-account token when managed, the configured external token otherwise.
func (c *Context) BearerToken() string {
	if c.managed {
		return c.saToken
	}
	return c.cfg.ExternalBearerToken
}

// ResolveHosts returns the candidate hosts for the given upstream kind, in
// fixed priority order.
func (c *Context) ResolveHosts(kind HostKind) []string {
	switch kind {
	case HostMetrics:
		if c.managed {
			return []string{
				"https://prometheus-user-workload.openshift-user-workload-monitoring.svc.cluster.local:9091",
				"https://prometheus-k8s.openshift-monitoring.svc.cluster.local:9091",
			}
		}
		return []string{
			fmt.Sprintf("https://prometheus-user-workload-openshift-user-workload-monitoring.%s", c.cfg.ClusterDomain),
			fmt.Sprintf("https://prometheus-k8s-openshift-monitoring.%s", c.cfg.ClusterDomain),
		}

	case HostGateway:
		if c.cfg.GatewayURL != "" {
			return []string{c.cfg.GatewayURL}
		}
		if c.managed {
			return []string{"http://inference-gateway-istio.llm.svc.cluster.local"}
		}
		return []string{fmt.Sprintf("http://simulator-llm.%s", c.cfg.ClusterDomain)}

	case HostKeyManager:
		if c.cfg.KeyManagerBaseURL != "" {
			return []string{c.cfg.KeyManagerBaseURL}
		}
		return []string{fmt.Sprintf("https://key-manager-route-platform-services.%s", c.cfg.ClusterDomain)}

	default:
		return nil
	}
}

// RESTConfig returns the Kubernetes client configuration for the active
// identity: in-cluster token+CA when managed, kubeconfig or the public API
// endpoint with the external bearer token otherwise.
func (c *Context) RESTConfig() (*rest.Config, error) {
	if c.managed {
		return rest.InClusterConfig()
	}

	if c.cfg.Kubeconfig != "" {
		config, err := clientcmd.BuildConfigFromFlags("", c.cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return config, nil
	}

	if c.cfg.ExternalAPIServer == "" {
		return nil, fmt.Errorf("no cluster identity available: not managed, no kubeconfig, no external API server")
	}

	return &rest.Config{
		Host:        c.cfg.ExternalAPIServer,
		BearerToken: c.cfg.ExternalBearerToken,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: c.cfg.InsecureSkipTLSVerify,
		},
	}, nil
}

// HTTPClient builds an HTTP client with the given timeout. All clients share
// the context's transport so upstream connections are pooled and reused.
func (c *Context) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: c.transport,
	}
}
