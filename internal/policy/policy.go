// Package policy implements the permission decision engine: a pure function
// over a layered, glob-aware rule set plus a helper for appending new rules.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
)

// Decision is one of the three terminal permission outcomes.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Op is one of the four reserved operation keys.
type Op string

const (
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpExec    Op = "exec"
	OpNetwork Op = "network"
)

// ErrInvalidPolicy is returned when a policy value cannot be normalized: a
// leaf that isn't one of allow/deny/ask, or a shape that isn't scalar/map.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// Policy is a mapping from key to either a scalar Decision or a nested
// mapping from pattern to Decision. Keys are "*", the four Op names, and
// "tool.<name>" subject keys.
type Policy map[string]any

// Defaults returns the baseline rule set merged under a user-supplied map by
// Normalize.
func Defaults() Policy {
	return Policy{
		"*":       string(Ask),
		"read":    string(Allow),
		"write":   string(Ask),
		"exec":    string(Ask),
		"network": string(Ask),
	}
}

// Normalize validates a user-supplied policy and merges Defaults() under it:
// any key the user omits falls back to the default; keys the user provides
// are taken as-is after validation. Returns ErrInvalidPolicy if any reachable
// leaf is not one of allow/deny/ask, or if any entry is neither a scalar nor
// a map.
func Normalize(p Policy) (Policy, error) {
	if p == nil {
		p = Policy{}
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	merged := Policy{}
	for k, v := range Defaults() {
		merged[k] = v
	}
	for k, v := range p {
		merged[k] = v
	}
	return merged, nil
}

func validate(p Policy) error {
	for key, v := range p {
		switch val := v.(type) {
		case string:
			if !isDecision(val) {
				return fmt.Errorf("%w: key %q has non-decision scalar %q", ErrInvalidPolicy, key, val)
			}
		case map[string]any:
			for pattern, leaf := range val {
				s, ok := leaf.(string)
				if !ok || !isDecision(s) {
					return fmt.Errorf("%w: key %q pattern %q has non-decision leaf", ErrInvalidPolicy, key, pattern)
				}
			}
		default:
			return fmt.Errorf("%w: key %q has unsupported shape %T", ErrInvalidPolicy, key, v)
		}
	}
	return nil
}

func isDecision(s string) bool {
	switch Decision(s) {
	case Allow, Deny, Ask:
		return true
	default:
		return false
	}
}

// Evaluate resolves a decision for the given operation, optional subject
// (e.g. "tool.exec"), and optional target (the path/command/argument string
// the rule patterns match against). Evaluate is pure: identical inputs
// always produce identical output.
func Evaluate(p Policy, op Op, subject, target string) Decision {
	decision := Ask
	if v, ok := p["*"]; ok {
		if s, ok := v.(string); ok && isDecision(s) {
			decision = Decision(s)
		}
	}

	decision = applyLayer(p, string(op), target, decision)

	if subject != "" {
		decision = applyLayer(p, subject, target, decision)
	}

	return decision
}

// applyLayer applies policy[key] on top of the current decision: a scalar
// replaces outright; a map applies its "*" entry first, then every pattern
// that matches target (exact or glob), in a lexicographically sorted pass
// so that the last (alphabetically greatest) matching pattern wins
// deterministically across platforms.
func applyLayer(p Policy, key, target string, current Decision) Decision {
	v, ok := p[key]
	if !ok {
		return current
	}
	switch val := v.(type) {
	case string:
		if isDecision(val) {
			return Decision(val)
		}
		return current
	case map[string]any:
		result := current
		if s, ok := stringLeaf(val["*"]); ok {
			result = Decision(s)
		}
		patterns := make([]string, 0, len(val))
		for pattern := range val {
			if pattern == "*" {
				continue
			}
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		for _, pattern := range patterns {
			s, ok := stringLeaf(val[pattern])
			if !ok {
				continue
			}
			if matches(pattern, target) {
				result = Decision(s)
			}
		}
		return result
	default:
		return current
	}
}

func stringLeaf(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !isDecision(s) {
		return "", false
	}
	return s, true
}

func matches(pattern, target string) bool {
	if pattern == target {
		return true
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}

// AppendRule returns a copy of p with policy[key][pattern] = decision. If
// policy[key] is absent, a new single-entry map is created. If it is a
// scalar, it is converted to {"*": scalar, pattern: decision}. If it is
// already a map, pattern is set within it. AppendRule never mutates p.
func AppendRule(p Policy, key, pattern string, decision Decision) (Policy, error) {
	if !isDecision(string(decision)) {
		return nil, fmt.Errorf("%w: decision %q is not valid", ErrInvalidPolicy, decision)
	}
	out := Policy{}
	for k, v := range p {
		out[k] = v
	}

	switch existing := out[key].(type) {
	case nil:
		out[key] = map[string]any{pattern: string(decision)}
	case string:
		out[key] = map[string]any{"*": existing, pattern: string(decision)}
	case map[string]any:
		m := make(map[string]any, len(existing)+1)
		for k, v := range existing {
			m[k] = v
		}
		m[pattern] = string(decision)
		out[key] = m
	default:
		return nil, fmt.Errorf("%w: key %q has unsupported shape %T", ErrInvalidPolicy, key, existing)
	}
	return out, nil
}

// ParseJSON decodes a raw JSON policy document and normalizes it, failing
// with ErrInvalidPolicy on malformed JSON.
func ParseJSON(data []byte) (Policy, error) {
	var raw Policy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return Normalize(raw)
}
