// Package policy converts raw policy-engine objects into the single ordered
// schema the console UI consumes. Both backing identities (in-cluster and
// external) feed the same normalization path; there is no divergent logic.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maasops/console-api/internal/apierr"
)

// groupComparisonPattern matches the literal group-membership comparison shape
// emitted by the policy engine's rule templates.
var groupComparisonPattern = regexp.MustCompile(`groups\[_\] == "([^"]+)"`)

// ExtractAllowedGroups scans a rule-engine expression for group-membership
// comparisons and returns the matched group names in source order.
//
// This is a best-effort heuristic, not an expression parser: it only
// recognizes the literal `groups[_] == "name"` shape. Negated or restructured
// comparisons are not detected and yield an empty result.
func ExtractAllowedGroups(expr string) []string {
	groups := []string{}
	for _, match := range groupComparisonPattern.FindAllStringSubmatch(expr, -1) {
		groups = append(groups, match[1])
	}
	return groups
}

// Normalizer turns raw policy objects into Policy records.
type Normalizer struct {
	logger zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts both raw feeds into one flat list, auth policies first,
// each feed in input order. Policies whose spec cannot be decoded are skipped
// with a warning; they never abort the rest of the batch.
func (n *Normalizer) Normalize(auths []AuthPolicyObject, rateLimits []RateLimitPolicyObject) []Policy {
	policies := make([]Policy, 0, len(auths)+len(rateLimits))

	for _, obj := range auths {
		p, err := n.normalizeAuthPolicy(obj)
		if err != nil {
			n.logger.Warn().Err(err).
				Str("namespace", obj.Metadata.Namespace).
				Str("name", obj.Metadata.Name).
				Msg("skipping malformed auth policy")
			continue
		}
		policies = append(policies, p)
	}

	for _, obj := range rateLimits {
		p, err := n.normalizeRateLimitPolicy(obj)
		if err != nil {
			n.logger.Warn().Err(err).
				Str("namespace", obj.Metadata.Namespace).
				Str("name", obj.Metadata.Name).
				Msg("skipping malformed rate-limit policy")
			continue
		}
		policies = append(policies, p)
	}

	return policies
}

func (n *Normalizer) normalizeAuthPolicy(obj AuthPolicyObject) (Policy, error) {
	var spec authPolicySpec
	if err := json.Unmarshal(obj.Spec, &spec); err != nil {
		return Policy{}, &apierr.MalformedUpstreamError{Upstream: "policy engine", Err: err}
	}

	items := make([]Item, 0, len(spec.Rules.Authentication)+len(spec.Rules.Authorization)+len(spec.Rules.Response))

	for _, entry := range spec.Rules.Authentication {
		var rule authenticationRule
		_ = json.Unmarshal(entry.Raw, &rule)

		prefix := rule.Credentials.AuthorizationHeader.Prefix
		if prefix == "" {
			prefix = "unknown"
		}

		items = append(items, Item{
			ID:          entry.Name,
			Type:        ItemAuthentication,
			Config:      decodeConfig(entry.Raw),
			Description: fmt.Sprintf("API key authentication with %s prefix", prefix),
		})
	}

	for _, entry := range spec.Rules.Authorization {
		var rule authorizationRule
		_ = json.Unmarshal(entry.Raw, &rule)

		groups := ExtractAllowedGroups(rule.OPA.Rego)

		items = append(items, Item{
			ID:            entry.Name,
			Type:          ItemAuthorization,
			Config:        decodeConfig(entry.Raw),
			Description:   fmt.Sprintf("OPA policy allowing groups: %s", strings.Join(groups, ", ")),
			AllowedGroups: groups,
		})
	}

	for _, entry := range spec.Rules.Response {
		items = append(items, Item{
			ID:          entry.Name,
			Type:        ItemResponse,
			Config:      decodeConfig(entry.Raw),
			Description: capitalize(entry.Name) + " response filter",
		})
	}

	targetName := "unknown"
	if v, ok := spec.TargetRef["name"].(string); ok && v != "" {
		targetName = v
	}

	p := newPolicy(obj.Metadata, TypeAuth, obj.Status, obj.Spec)
	p.TargetRef = spec.TargetRef
	p.Description = fmt.Sprintf("AuthPolicy for %s with API key authentication and group-based authorization", targetName)
	p.Items = items
	return p, nil
}

func (n *Normalizer) normalizeRateLimitPolicy(obj RateLimitPolicyObject) (Policy, error) {
	var spec rateLimitPolicySpec
	if err := json.Unmarshal(obj.Spec, &spec); err != nil {
		return Policy{}, &apierr.MalformedUpstreamError{Upstream: "policy engine", Err: err}
	}

	items := make([]Item, 0, len(spec.Limits))
	for _, entry := range spec.Limits {
		var rule rateLimitRule
		if err := json.Unmarshal(entry.Raw, &rule); err != nil {
			return Policy{}, &apierr.MalformedUpstreamError{Upstream: "policy engine", Err: err}
		}

		conditions := make([]string, 0, len(rule.When))
		for _, c := range rule.When {
			conditions = append(conditions, c.Predicate)
		}

		counters := make([]string, 0, len(rule.Counters))
		for _, c := range rule.Counters {
			counters = append(counters, c.Expression)
		}

		items = append(items, Item{
			ID:          entry.Name,
			Type:        ItemRateLimit,
			Config:      decodeConfig(entry.Raw),
			Description: describeRateLimit(entry.Name, rule.Rates, conditions),
			Rates:       rule.Rates,
			Conditions:  conditions,
			Counters:    counters,
		})
	}

	p := newPolicy(obj.Metadata, TypeRateLimit, obj.Status, obj.Spec)
	p.TargetRef = spec.TargetRef
	p.Description = "Token-based rate limiting policy with per-user limits"
	p.Items = items
	return p, nil
}

// describeRateLimit renders the human-readable summary for one limit. An
// empty rates list means unbounded, so the rates part is omitted.
func describeRateLimit(name string, rates []Rate, conditions []string) string {
	desc := "Rate limit: " + name

	if len(rates) > 0 {
		parts := make([]string, 0, len(rates))
		for _, r := range rates {
			parts = append(parts, fmt.Sprintf("%d tokens per %s", r.Limit, r.Window))
		}
		desc += " - " + strings.Join(parts, ", ")
	}

	if len(conditions) > 0 {
		desc += fmt.Sprintf(" (when: %s)", strings.Join(conditions, ", "))
	}

	return desc
}

func newPolicy(meta ObjectMeta, policyType string, status map[string]any, rawSpec json.RawMessage) Policy {
	namespace := meta.Namespace
	if namespace == "" {
		namespace = "default"
	}
	name := meta.Name
	if name == "" {
		name = "unknown"
	}

	var specMap map[string]any
	_ = json.Unmarshal(rawSpec, &specMap)

	return Policy{
		ID:         namespace + "/" + name,
		Name:       name,
		Namespace:  namespace,
		Type:       policyType,
		CreatedAt:  meta.CreationTimestamp,
		ModifiedAt: meta.ResourceVersion,
		IsActive:   true,
		Status:     status,
		RawSpec:    specMap,
	}
}

func decodeConfig(raw json.RawMessage) map[string]any {
	var cfg map[string]any
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
