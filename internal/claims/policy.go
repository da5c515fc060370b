// Package claims maps subject claims onto issued tokens.
package claims

import (
	"slices"
)

// Action decides what happens to an external claim during projection.
type Action int

const (
	Keep Action = iota
	Drop
	Rename
)

// Rule is the treatment of a single claim type.
type Rule struct {
	Action Action
	// To is the new claim name when Action is Rename.
	To string
}

// Protocol claims are owned by the issuer and never come from user data.
var protocolClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "auth_time",
	"nonce", "at_hash", "c_hash", "azp", "client_id", "scope", "sid", "idp", "amr",
}

// Policy is a declarative claim map applied once at issuance. Unlisted claims
// are kept.
type Policy struct {
	rules map[string]Rule
}

// NewPolicy builds a policy from rules keyed by external claim type.
func NewPolicy(rules map[string]Rule) *Policy {
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Policy{rules: copied}
}

// DefaultPolicy drops claims that only describe the upstream sign-in. The
// sign-in method itself (amr, idp) is set by the issuer.
func DefaultPolicy() *Policy {
	return NewPolicy(map[string]Rule{
		"s_hash": {Action: Drop},
	})
}

// Project filters user claims down to the allowed claim types, applies the
// rules and removes anything that would shadow a protocol claim. Values are
// deduplicated per claim.
func (p *Policy) Project(user map[string][]string, allowed []string) map[string][]string {
	out := make(map[string][]string)
	for _, name := range allowed {
		values, ok := user[name]
		if !ok || len(values) == 0 {
			continue
		}

		target := name
		if rule, ok := p.rules[name]; ok {
			switch rule.Action {
			case Drop:
				continue
			case Rename:
				if rule.To == "" {
					continue
				}
				target = rule.To
			}
		}
		if slices.Contains(protocolClaims, target) {
			continue
		}

		for _, v := range values {
			if !slices.Contains(out[target], v) {
				out[target] = append(out[target], v)
			}
		}
	}
	return out
}

// Flatten converts multi-valued claims to JWT claim values: a single value
// becomes a string, several become an array.
func Flatten(c map[string][]string) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		switch len(v) {
		case 0:
		case 1:
			out[k] = v[0]
		default:
			out[k] = slices.Clone(v)
		}
	}
	return out
}
