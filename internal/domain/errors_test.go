package domain

import (
	"errors"
	"testing"
)

func TestTunnelErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Tunnel: "blog", Op: "start", Err: ErrTunnelOperationFailed}
	want := "tunnel blog: start: tunnel operation failed"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTunnelErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Tunnel: "blog", Op: "create", Err: ErrTunnelToolUnavailable}
	if !errors.Is(err, ErrTunnelToolUnavailable) {
		t.Fatal("expected errors.Is to match ErrTunnelToolUnavailable")
	}
}

func TestTunnelErrorWithoutName(t *testing.T) {
	t.Parallel()

	err := &TunnelError{Op: "version", Err: ErrTunnelToolUnavailable}
	want := "version: tunnel tool unavailable"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPolicyInvalidErrorSummarises(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		errs []string
		want string
	}{
		{"none", nil, "invalid policy"},
		{"one", []string{"routes[0].path: is required"}, "invalid policy: routes[0].path: is required"},
		{"many", []string{"a", "b", "c"}, "invalid policy: a (and 2 more errors)"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := &PolicyInvalidError{Errors: tc.errs}
			if got := err.Error(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDenialErrorAs(t *testing.T) {
	t.Parallel()

	var err error = &DenialError{Kind: DenialPathBlocked, Reason: "path is blocked"}
	var de *DenialError
	if !errors.As(err, &de) {
		t.Fatal("expected errors.As to find DenialError")
	}
	if de.Kind != DenialPathBlocked {
		t.Fatalf("unexpected kind %q", de.Kind)
	}
}

func TestIsDangerousEvent(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"disk.delete", " Shell.Exec ", "system.restart"} {
		if !IsDangerousEvent(name) {
			t.Fatalf("expected %q to be dangerous", name)
		}
	}
	for _, name := range []string{"task.create", "disk.read", ""} {
		if IsDangerousEvent(name) {
			t.Fatalf("expected %q to be allowed", name)
		}
	}
}
