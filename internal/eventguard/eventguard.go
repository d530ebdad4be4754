// Package eventguard decides whether a remote request may trigger an
// internal automation event.
package eventguard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

const (
	// MaxPayloadBytes bounds the serialised payload size.
	MaxPayloadBytes = 64 << 10
	maxDepth        = 32
)

// Result is the outcome of [ValidateEvent].
type Result struct {
	Allowed bool
	Kind    domain.DenialKind
	Reason  string
	// Rule names the payload rule that matched, if any.
	Rule string
}

// Err returns the denial as a *domain.DenialError, or nil when allowed.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &domain.DenialError{Kind: r.Kind, Reason: r.Reason}
}

// ValidateEvent checks, in order: the route declares events at all, the
// event is literally whitelisted, the event is not globally dangerous, and
// the payload carries no dangerous content. The dangerous-event list cannot
// be overridden by policy.
func ValidateEvent(name string, payload json.RawMessage, route domain.Route) Result {
	if len(route.AllowedEvents) == 0 {
		return deny(domain.DenialEventNotWhitelisted, "events not allowed on this route")
	}
	if !whitelisted(name, route.AllowedEvents) {
		return deny(domain.DenialEventNotWhitelisted, fmt.Sprintf("event %q is not whitelisted on this route", name))
	}
	if domain.IsDangerousEvent(name) {
		return deny(domain.DenialEventBlacklisted, fmt.Sprintf("event %q is blacklisted", name))
	}
	if res := ValidatePayload(payload); !res.Allowed {
		return res
	}
	return Result{Allowed: true}
}

// ValidatePayload scans an event payload on its own. An empty payload or
// JSON null is accepted.
func ValidatePayload(payload json.RawMessage) Result {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Result{Allowed: true}
	}
	if len(trimmed) > MaxPayloadBytes {
		return rejected("payload-size", fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes))
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return rejected("payload-json", "payload is not valid JSON")
	}
	return scan(v, "", 0)
}

func scan(v any, key string, depth int) Result {
	if depth > maxDepth {
		return rejected("payload-depth", "payload is nested too deeply")
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, bad := pollutionKeys[strings.ToLower(k)]; bad {
				return rejected("prototype-pollution", fmt.Sprintf("payload key %q is not allowed", k))
			}
			if res := scanString(k, ""); !res.Allowed {
				return res
			}
			if res := scan(child, k, depth+1); !res.Allowed {
				return res
			}
		}
	case []any:
		for _, child := range t {
			if res := scan(child, key, depth+1); !res.Allowed {
				return res
			}
		}
	case string:
		return scanString(t, key)
	}
	return Result{Allowed: true}
}

func scanString(s, key string) Result {
	for _, r := range payloadRules {
		if r.pattern.MatchString(s) {
			return rejected(r.name, fmt.Sprintf("payload matches %s rule", r.name))
		}
	}
	if isPathField(key) && hasTraversal(s) {
		return rejected("path-traversal", fmt.Sprintf("payload field %q contains path traversal", key))
	}
	return Result{Allowed: true}
}

func isPathField(key string) bool {
	if key == "" {
		return false
	}
	_, ok := pathFields[strings.ToLower(key)]
	return ok
}

// hasTraversal checks the raw value and up to two rounds of percent
// decoding to catch double encoding.
func hasTraversal(s string) bool {
	for i := 0; i < 3; i++ {
		if traversalPattern.MatchString(s) {
			return true
		}
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			return false
		}
		s = decoded
	}
	return traversalPattern.MatchString(s)
}

func whitelisted(name string, allowed []string) bool {
	if name == "" {
		return false
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func deny(kind domain.DenialKind, reason string) Result {
	return Result{Kind: kind, Reason: reason}
}

func rejected(rule, reason string) Result {
	return Result{Kind: domain.DenialPayloadRejected, Reason: reason, Rule: rule}
}
