package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/maasops/console-api/internal/cluster"
	"github.com/maasops/console-api/internal/metrics"
	"github.com/maasops/console-api/internal/policy"
	"github.com/maasops/console-api/internal/probe"
	"github.com/maasops/console-api/internal/server"
	"github.com/maasops/console-api/internal/tier"
)

var (
	// Server configuration
	apiPort     = flag.String("api-port", "8080", "Port for console API HTTP server")
	metricsPort = flag.String("metrics-port", "9090", "Port for metrics HTTP server")

	// Cluster configuration
	clusterDomain     = flag.String("cluster-domain", "apps.summit-gpu.octo-emerging.redhataicoe.com", "Apps domain used to derive external routes")
	externalAPIServer = flag.String("external-api-server", "", "Public Kubernetes API endpoint used outside the cluster")
	externalToken     = flag.String("external-token", "", "Bearer token for external cluster access")
	kubeconfig        = flag.String("kubeconfig", "", "Path to kubeconfig for external cluster access")
	insecureTLS       = flag.Bool("insecure-skip-tls-verify", false, "Skip TLS verification against cluster upstreams")
	policyNamespace   = flag.String("policy-namespace", "", "Namespace to list policies from (empty = all)")

	// Upstream overrides
	gatewayURL     = flag.String("gateway-url", "", "Override for the model-serving gateway endpoint")
	keyManagerURL  = flag.String("key-manager-url", "", "Override for the key-manager base URL")
	keyManagerKey  = flag.String("key-manager-admin-key", "admin-key-placeholder", "Admin key for key-manager API access")
	defaultUserID  = flag.String("default-user-id", "noyitz", "User whose keys are listed")
	defaultTeamID  = flag.String("default-team-id", "default", "Team whose policy maps to the user tier")
	secretNS       = flag.String("secret-namespace", "llm", "Namespace holding API-key secrets")
	modelHostSpecs = flag.String("model-hosts", "", "Comma-separated model=host overrides for out-of-cluster gateway routing")

	// Model catalog
	modelSpecs = flag.String("models", "vllm-simulator=VLLM Simulator Model,qwen3-0.6b-instruct=Qwen3 0.6B Instruct Model", "Comma-separated name=description model catalog")

	// Timeouts
	probeTimeout      = flag.Duration("probe-timeout", 5*time.Second, "Timeout for metrics host liveness probes")
	queryTimeout      = flag.Duration("query-timeout", 10*time.Second, "Timeout for Prometheus data queries")
	gatewayTimeout    = flag.Duration("gateway-timeout", 30*time.Second, "Timeout for live gateway probe calls")
	keyManagerTimeout = flag.Duration("key-manager-timeout", 30*time.Second, "Timeout for key-manager calls")

	// Logging
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("component", "console-api").Logger()

	execCtx := cluster.New(cluster.Config{
		ClusterDomain:         *clusterDomain,
		ExternalAPIServer:     *externalAPIServer,
		ExternalBearerToken:   *externalToken,
		Kubeconfig:            *kubeconfig,
		KeyManagerBaseURL:     *keyManagerURL,
		GatewayURL:            *gatewayURL,
		InsecureSkipTLSVerify: *insecureTLS,
	}, log.With().Str("component", "cluster").Logger())

	fetcher, err := policy.NewFetcher(execCtx, *policyNamespace, log.With().Str("component", "policy").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create policy fetcher")
	}

	// The secrets client is optional: without it, key listings simply omit
	// the actual key material.
	var secrets kubernetes.Interface
	if config, err := execCtx.RESTConfig(); err == nil {
		secrets, err = kubernetes.NewForConfig(config)
		if err != nil {
			logger.Warn().Err(err).Msg("secrets client unavailable, key material will be omitted")
		}
	}

	counters := probe.NewCounters()

	proberOpts := []probe.Option{}
	if overrides := parseKeyValues(*modelHostSpecs); len(overrides) > 0 {
		proberOpts = append(proberOpts, probe.WithHostOverrides(overrides))
	}
	prober := probe.NewProber(execCtx, counters, *gatewayTimeout,
		log.With().Str("component", "probe").Logger(), proberOpts...)

	aggregator := metrics.NewAggregator(execCtx, counters, *probeTimeout, *queryTimeout,
		log.With().Str("component", "metrics").Logger())

	var secretsGetter corev1client.SecretsGetter
	if secrets != nil {
		secretsGetter = secrets.CoreV1()
	}
	resolver := tier.NewResolver(execCtx, secretsGetter, tier.Config{
		AdminKey:        *keyManagerKey,
		UserID:          *defaultUserID,
		TeamID:          *defaultTeamID,
		SecretNamespace: *secretNS,
		Timeout:         *keyManagerTimeout,
	}, log.With().Str("component", "tier").Logger())

	srv := server.New(fetcher, aggregator, resolver, prober, parseModels(*modelSpecs),
		log.With().Str("component", "server").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info().
		Str("api_port", *apiPort).
		Str("metrics_port", *metricsPort).
		Bool("managed", execCtx.IsManaged()).
		Msg("starting console API components")

	go func() {
		if err := srv.Run(ctx, *apiPort); err != nil {
			logger.Fatal().Err(err).Msg("console API server failed")
		}
	}()
	go startMetricsServer(ctx, *metricsPort, log.With().Str("component", "metrics-server").Logger())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down console API")
	cancel()

	// Give the servers a moment to drain.
	time.Sleep(time.Second)
}

func startMetricsServer(ctx context.Context, port string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics server ok"))
	})

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	logger.Info().Str("port", port).Msg("metrics HTTP server started")

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down metrics HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics HTTP server shutdown error")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("failed to serve metrics")
	}
}

// parseKeyValues parses "a=b,c=d" into a map, skipping malformed entries.
func parseKeyValues(spec string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func parseModels(spec string) []server.Model {
	models := []server.Model{}
	for _, pair := range strings.Split(spec, ",") {
		if pair == "" {
			continue
		}
		name, description, _ := strings.Cut(pair, "=")
		models = append(models, server.Model{
			Name:        strings.TrimSpace(name),
			Description: strings.TrimSpace(description),
		})
	}
	return models
}
