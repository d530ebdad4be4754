package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrPolicyMissing means no usable policy document is loaded.
	ErrPolicyMissing = errors.New("no policy loaded")

	// ErrPolicyExists is returned when bootstrapping would overwrite a policy.
	ErrPolicyExists = errors.New("policy file already exists")

	// ErrRouteExists is returned when adding a route whose path is taken.
	ErrRouteExists = errors.New("route already exists")

	// ErrRouteNotFound is returned when removing an undeclared route.
	ErrRouteNotFound = errors.New("route not found")

	// ErrProjectionUndefined means the requested projection is not declared.
	ErrProjectionUndefined = errors.New("projection not defined")

	// ErrTunnelToolUnavailable means the external tunnel CLI is missing.
	ErrTunnelToolUnavailable = errors.New("tunnel tool unavailable")

	// ErrTunnelOperationFailed wraps a failed tunnel CLI invocation.
	ErrTunnelOperationFailed = errors.New("tunnel operation failed")

	// ErrTunnelNotFound means the requested tunnel has no record.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// DenialKind classifies why a request or event was refused.
type DenialKind string

const (
	DenialPolicyMissing       DenialKind = "policy_missing"
	DenialPolicyInvalid       DenialKind = "policy_invalid"
	DenialPathBlocked         DenialKind = "path_blocked"
	DenialRouteNotWhitelisted DenialKind = "route_not_whitelisted"
	DenialMethodNotAllowed    DenialKind = "method_not_allowed"
	DenialRouteExpired        DenialKind = "route_expired"
	DenialOutsideHours        DenialKind = "outside_allowed_hours"
	DenialUnauthorized        DenialKind = "unauthorized"
	DenialEventNotWhitelisted DenialKind = "event_not_whitelisted"
	DenialEventBlacklisted    DenialKind = "event_blacklisted"
	DenialPayloadRejected     DenialKind = "payload_rejected"
)

// DenialError carries a denial kind with its human-readable reason.
type DenialError struct {
	Kind   DenialKind
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// PolicyInvalidError lists every validation problem found in a policy.
type PolicyInvalidError struct {
	Errors []string
}

func (e *PolicyInvalidError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "invalid policy"
	case 1:
		return "invalid policy: " + e.Errors[0]
	default:
		return fmt.Sprintf("invalid policy: %s (and %d more errors)", e.Errors[0], len(e.Errors)-1)
	}
}

// Detail renders all errors, one per line.
func (e *PolicyInvalidError) Detail() string {
	return strings.Join(e.Errors, "\n")
}

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	Tunnel string
	Op     string
	Err    error
}

func (e *TunnelError) Error() string {
	if e.Tunnel != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.Tunnel, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
