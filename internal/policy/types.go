package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Policy types as presented to the console UI.
const (
	TypeAuth      = "auth"
	TypeRateLimit = "rate-limit"
)

// Item types within a policy.
const (
	ItemAuthentication = "authentication"
	ItemAuthorization  = "authorization"
	ItemResponse       = "response"
	ItemRateLimit      = "rate-limit"
)

// Policy is the normalized, UI-consumable view of a policy-engine object.
// Identity is "{namespace}/{name}"; CreatedAt/ModifiedAt are opaque version
// markers from the source, not wall-clock-comparable values.
type Policy struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Namespace   string         `json:"namespace"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	TargetRef   map[string]any `json:"targetRef"`
	CreatedAt   string         `json:"created"`
	ModifiedAt  string         `json:"modified"`
	IsActive    bool           `json:"isActive"`
	Items       []Item         `json:"items"`
	Status      map[string]any `json:"status,omitempty"`
	RawSpec     map[string]any `json:"fullSpec"`
}

// Item is one sub-rule of a policy. Rates/Conditions/Counters are only set
// for rate-limit items; AllowedGroups only for authorization items.
type Item struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Config        map[string]any `json:"config,omitempty"`
	AllowedGroups []string       `json:"allowedGroups,omitempty"`
	Rates         []Rate         `json:"rates,omitempty"`
	Conditions    []string       `json:"conditions,omitempty"`
	Counters      []string       `json:"counters,omitempty"`
}

// Rate is one limit entry. An empty Rates list on an item means the limit is
// unbounded.
type Rate struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

// ObjectMeta is the subset of source metadata the normalizer consumes.
type ObjectMeta struct {
	Namespace         string `json:"namespace"`
	Name              string `json:"name"`
	CreationTimestamp string `json:"creationTimestamp"`
	ResourceVersion   string `json:"resourceVersion"`
}

// AuthPolicyObject is a raw authentication/authorization policy as returned
// by the policy engine. Spec stays raw until the normalizer decodes it, so a
// single malformed policy degrades alone instead of failing the feed.
type AuthPolicyObject struct {
	Metadata ObjectMeta      `json:"metadata"`
	Spec     json.RawMessage `json:"spec"`
	Status   map[string]any  `json:"status"`
}

// RateLimitPolicyObject is a raw rate-limit policy as returned by the policy
// engine.
type RateLimitPolicyObject struct {
	Metadata ObjectMeta      `json:"metadata"`
	Spec     json.RawMessage `json:"spec"`
	Status   map[string]any  `json:"status"`
}

// Typed views of the raw spec, decoded at the normalization boundary.

// ruleEntry is one named rule with its raw body.
type ruleEntry struct {
	Name string
	Raw  json.RawMessage
}

// orderedRules decodes a JSON object into a list of entries that keeps the
// source declaration order. Item ordering in the normalized output must match
// the order rules were declared in, which a Go map would lose.
type orderedRules []ruleEntry

func (r *orderedRules) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	var entries orderedRules
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		entries = append(entries, ruleEntry{Name: name, Raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*r = entries
	return nil
}

type authPolicySpec struct {
	TargetRef map[string]any `json:"targetRef"`
	Rules     authRules      `json:"rules"`
}

type authRules struct {
	Authentication orderedRules `json:"authentication"`
	Authorization  orderedRules `json:"authorization"`
	Response       orderedRules `json:"response"`
}

type authenticationRule struct {
	Credentials struct {
		AuthorizationHeader struct {
			Prefix string `json:"prefix"`
		} `json:"authorizationHeader"`
	} `json:"credentials"`
}

type authorizationRule struct {
	OPA struct {
		Rego string `json:"rego"`
	} `json:"opa"`
}

type rateLimitPolicySpec struct {
	TargetRef map[string]any `json:"targetRef"`
	Limits    orderedRules   `json:"limits"`
}

type rateLimitRule struct {
	Rates    []Rate       `json:"rates"`
	When     []condition  `json:"when"`
	Counters []counterRef `json:"counters"`
}

type condition struct {
	Predicate string `json:"predicate"`
}

// counterRef accepts both the object form {"expression": "..."} and a bare
// string, since both shapes appear across policy-engine versions.
type counterRef struct {
	Expression string `json:"expression"`
}

func (c *counterRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Expression = s
		return nil
	}

	type plain counterRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.Expression = p.Expression
	return nil
}
