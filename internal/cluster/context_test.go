package cluster

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagedDetection(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("sa-token\n"), 0o600))

	c := New(Config{TokenPath: tokenPath}, zerolog.Nop())
	assert.True(t, c.IsManaged())
	assert.Equal(t, "sa-token", c.BearerToken())
}

func TestUnmanagedDetection(t *testing.T) {
	c := New(Config{
		TokenPath:           filepath.Join(t.TempDir(), "missing"),
		ExternalBearerToken: "external-token",
	}, zerolog.Nop())

	assert.False(t, c.IsManaged())
	assert.Equal(t, "external-token", c.BearerToken())
}

func TestResolveHostsManaged(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("t"), 0o600))

	c := New(Config{TokenPath: tokenPath, ClusterDomain: "apps.example.com"}, zerolog.Nop())

	metricsHosts := c.ResolveHosts(HostMetrics)
	require.Len(t, metricsHosts, 2)
	assert.Contains(t, metricsHosts[0], "prometheus-user-workload")
	assert.Contains(t, metricsHosts[1], "prometheus-k8s")

	gateway := c.ResolveHosts(HostGateway)
	require.Len(t, gateway, 1)
	assert.Contains(t, gateway[0], "svc.cluster.local")
}

func TestResolveHostsUnmanaged(t *testing.T) {
	c := New(Config{
		TokenPath:     filepath.Join(t.TempDir(), "missing"),
		ClusterDomain: "apps.example.com",
	}, zerolog.Nop())

	for _, host := range c.ResolveHosts(HostMetrics) {
		assert.Contains(t, host, "apps.example.com")
	}
	assert.Equal(t, []string{"http://simulator-llm.apps.example.com"}, c.ResolveHosts(HostGateway))
	assert.Equal(t, []string{"https://key-manager-route-platform-services.apps.example.com"}, c.ResolveHosts(HostKeyManager))
}

func TestResolveHostsOverrides(t *testing.T) {
	c := New(Config{
		TokenPath:         filepath.Join(t.TempDir(), "missing"),
		GatewayURL:        "http://localhost:8000",
		KeyManagerBaseURL: "http://localhost:9000",
	}, zerolog.Nop())

	assert.Equal(t, []string{"http://localhost:8000"}, c.ResolveHosts(HostGateway))
	assert.Equal(t, []string{"http://localhost:9000"}, c.ResolveHosts(HostKeyManager))
}

func TestHTTPClientSharesTransport(t *testing.T) {
	c := New(Config{TokenPath: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())

	first := c.HTTPClient(time.Second)
	second := c.HTTPClient(2 * time.Second)

	assert.Equal(t, time.Second, first.Timeout)
	assert.Equal(t, 2*time.Second, second.Timeout)
	// One connection pool per context, regardless of per-call timeouts.
	assert.Same(t, first.Transport, second.Transport)
}

func TestHTTPClientInsecureTransport(t *testing.T) {
	c := New(Config{
		TokenPath:             filepath.Join(t.TempDir(), "missing"),
		InsecureSkipTLSVerify: true,
	}, zerolog.Nop())

	transport, ok := c.HTTPClient(time.Second).Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}

func TestRESTConfigUnmanagedNeedsIdentity(t *testing.T) {
	c := New(Config{TokenPath: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	_, err := c.RESTConfig()
	assert.Error(t, err)
}

func TestRESTConfigExternal(t *testing.T) {
	c := New(Config{
		TokenPath:             filepath.Join(t.TempDir(), "missing"),
		ExternalAPIServer:     "https://api.apps.example.com:6443",
		ExternalBearerToken:   "tok",
		InsecureSkipTLSVerify: true,
	}, zerolog.Nop())

	config, err := c.RESTConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.apps.example.com:6443", config.Host)
	assert.Equal(t, "tok", config.BearerToken)
	assert.True(t, config.TLSClientConfig.Insecure)
}
