package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/maasops/console-api/internal/apierr"
	"github.com/maasops/console-api/internal/cluster"
)

var (
	authPolicyGVR = schema.GroupVersionResource{
		Group:    "kuadrant.io",
		Version:  "v1",
		Resource: "authpolicies",
	}
	rateLimitPolicyGVR = schema.GroupVersionResource{
		Group:    "kuadrant.io",
		Version:  "v1alpha1",
		Resource: "tokenratelimitpolicies",
	}
)

// Fetcher lists raw policy objects from the policy engine's API and feeds
// them through the normalizer. The same fetch path serves both identities;
// only the rest.Config provided by the execution context differs.
type Fetcher struct {
	client     dynamic.Interface
	namespace  string
	normalizer *Normalizer
	logger     zerolog.Logger
}

// NewFetcher builds a Fetcher using the identity selected by the execution
// context. namespace limits the listing; empty means all namespaces.
func NewFetcher(execCtx cluster.ExecutionContext, namespace string, logger zerolog.Logger) (*Fetcher, error) {
	config, err := execCtx.RESTConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cluster identity: %w", err)
	}

	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return NewFetcherWithClient(client, namespace, logger), nil
}

// NewFetcherWithClient builds a Fetcher around an existing dynamic client
// (fakes in tests).
func NewFetcherWithClient(client dynamic.Interface, namespace string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:     client,
		namespace:  namespace,
		normalizer: NewNormalizer(logger),
		logger:     logger,
	}
}

// ListPolicies fetches both policy kinds and returns the normalized list.
// A feed that fails is tolerated: policies from the other feed are still
// returned. Only when both feeds fail is an error returned, and even then the
// list is empty rather than populated with placeholders.
func (f *Fetcher) ListPolicies(ctx context.Context) ([]Policy, error) {
	auths, authErr := f.listAuthPolicies(ctx)
	if authErr != nil {
		f.logger.Warn().Err(authErr).Msg("failed to fetch auth policies")
	}

	rateLimits, rlErr := f.listRateLimitPolicies(ctx)
	if rlErr != nil {
		f.logger.Warn().Err(rlErr).Msg("failed to fetch rate-limit policies")
	}

	if authErr != nil && rlErr != nil {
		return []Policy{}, &apierr.UpstreamUnreachableError{Upstream: "policy engine", Err: authErr}
	}

	policies := f.normalizer.Normalize(auths, rateLimits)
	f.logger.Info().Int("count", len(policies)).Msg("fetched policies")
	return policies, nil
}

func (f *Fetcher) listAuthPolicies(ctx context.Context) ([]AuthPolicyObject, error) {
	list, err := f.client.Resource(authPolicyGVR).Namespace(f.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing authpolicies: %w", err)
	}

	objs := make([]AuthPolicyObject, 0, len(list.Items))
	for _, item := range list.Items {
		var obj AuthPolicyObject
		if err := convertUnstructured(item.Object, &obj); err != nil {
			return nil, &apierr.MalformedUpstreamError{Upstream: "policy engine", Err: err}
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (f *Fetcher) listRateLimitPolicies(ctx context.Context) ([]RateLimitPolicyObject, error) {
	list, err := f.client.Resource(rateLimitPolicyGVR).Namespace(f.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing tokenratelimitpolicies: %w", err)
	}

	objs := make([]RateLimitPolicyObject, 0, len(list.Items))
	for _, item := range list.Items {
		var obj RateLimitPolicyObject
		if err := convertUnstructured(item.Object, &obj); err != nil {
			return nil, &apierr.MalformedUpstreamError{Upstream: "policy engine", Err: err}
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// convertUnstructured round-trips an unstructured object into the typed raw
// form used by the normalizer.
func convertUnstructured(obj map[string]any, out any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("re-encoding object: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding object: %w", err)
	}
	return nil
}
