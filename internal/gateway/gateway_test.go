package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/audit"
	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/policy"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

// idleRunner is a tunnel CLI that is installed but never asked to do
// anything in these tests.
type idleRunner struct{}

func (idleRunner) Run(context.Context, string, ...string) (tunnel.Output, error) {
	return tunnel.Output{}, nil
}
func (idleRunner) Start(string, []string, *os.File) (int, error) { return 0, os.ErrInvalid }
func (idleRunner) Alive(int, string) bool                        { return false }
func (idleRunner) Terminate(int) error                           { return tunnel.ErrProcessNotFound }
func (idleRunner) Kill(int) error                                { return tunnel.ErrProcessNotFound }

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, blocks BlockSource) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	store := policy.NewStore(filepath.Join(dir, "policy.json"))
	mgr := tunnel.NewManager(tunnel.Config{StateDir: dir}, tunnel.WithRunner(idleRunner{}))
	t.Cleanup(mgr.Close)
	g := New(Options{
		Policies:  store,
		Tunnels:   mgr,
		Blocks:    blocks,
		AuditPath: filepath.Join(dir, "audit.log"),
		Now:       func() time.Time { return testNow },
	})
	return g, dir
}

func TestRouteInitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	p, err := g.RouteInit()
	require.NoError(t, err)
	assert.Equal(t, domain.ModeStrict, p.Mode)
	require.Len(t, p.Routes, 1)
	assert.Equal(t, "/health", p.Routes[0].Path)

	_, err = g.RouteInit()
	assert.ErrorIs(t, err, domain.ErrPolicyExists)
}

func TestWrittenPoliciesValidate(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, err := g.RouteInit()
	require.NoError(t, err)

	res, err := g.RouteValidate()
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Errors)

	_, _, err = g.RouteAdd("/api/tasks", RouteOptions{})
	require.NoError(t, err)
	_, _, err = g.RouteAdd("/api/files/*", RouteOptions{
		Methods:          []string{"get"},
		Auth:             "token",
		Expires:          "2026-12-31",
		AvailableBetween: &domain.TimeWindow{Start: "22:00", End: "06:00"},
		AllowedEvents:    []string{"file.sync"},
	})
	require.NoError(t, err)

	res, err = g.RouteValidate()
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Errors)

	snap, err := g.Policies().Load()
	require.NoError(t, err)
	assert.Len(t, snap.Policy.Routes, 3)
}

func TestRouteAddDefaultsAndWarning(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, err := g.RouteInit()
	require.NoError(t, err)

	r, warning, err := g.RouteAdd("/api/tasks", RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, r.Methods)
	assert.Equal(t, domain.AuthNone, r.Auth)
	assert.Nil(t, r.Expires)
	assert.Contains(t, warning, "without authentication")
	assert.Contains(t, warning, "never expires")

	_, warning, err = g.RouteAdd("/api/agents", RouteOptions{Auth: "jwt", Expires: "2027-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Empty(t, warning)

	_, _, err = g.RouteAdd("/api/tasks", RouteOptions{})
	assert.ErrorIs(t, err, domain.ErrRouteExists)
}

func TestRouteAddRejectsInvalidRoute(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, err := g.RouteInit()
	require.NoError(t, err)

	_, _, err = g.RouteAdd("/api/../etc", RouteOptions{})
	var invalid *domain.PolicyInvalidError
	require.ErrorAs(t, err, &invalid)

	_, _, err = g.RouteAdd("/api/run", RouteOptions{AllowedEvents: []string{"shell.exec"}})
	require.ErrorAs(t, err, &invalid)

	routes, err := g.RouteList()
	require.NoError(t, err)
	assert.Len(t, routes, 1, "rejected routes are not persisted")
}

func TestRouteAddWithoutPolicy(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, _, err := g.RouteAdd("/api/tasks", RouteOptions{})
	assert.ErrorIs(t, err, domain.ErrPolicyMissing)

	_, err = g.RouteValidate()
	assert.ErrorIs(t, err, domain.ErrPolicyMissing)
}

func TestRouteRemove(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, err := g.RouteInit()
	require.NoError(t, err)
	_, _, err = g.RouteAdd("/api/tasks", RouteOptions{})
	require.NoError(t, err)

	require.NoError(t, g.RouteRemove("/api/tasks"))
	assert.ErrorIs(t, g.RouteRemove("/api/tasks"), domain.ErrRouteNotFound)

	routes, err := g.RouteList()
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/health", routes[0].Path)
}

func TestConcurrentRouteEditsAreNotLost(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	_, err := g.RouteInit()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, _, err := g.RouteAdd(fmt.Sprintf("/old/%d", i), RouteOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := g.RouteAdd(fmt.Sprintf("/new/%d", i), RouteOptions{})
			errs <- err
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- g.RouteRemove(fmt.Sprintf("/old/%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	routes, err := g.RouteList()
	require.NoError(t, err)
	paths := make(map[string]bool, len(routes))
	for _, r := range routes {
		paths[r.Path] = true
	}
	assert.Len(t, routes, 21)
	for i := 0; i < 20; i++ {
		assert.True(t, paths[fmt.Sprintf("/new/%d", i)], "route /new/%d missing", i)
	}
	for i := 0; i < 10; i++ {
		assert.False(t, paths[fmt.Sprintf("/old/%d", i)], "removed route /old/%d came back", i)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	st, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Auth.LoggedIn)
	assert.False(t, st.Policy.Exists)
	assert.Zero(t, st.ActiveTunnels)

	_, err = g.RouteInit()
	require.NoError(t, err)
	st, err = g.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Policy.Valid)
	assert.Equal(t, 1, st.Policy.Routes)
	assert.Equal(t, 7, st.Policy.BlockedPaths)
}

type staticBlocks []domain.BlockedIP

func (s staticBlocks) Blocked() []domain.BlockedIP { return s }

func TestSecurityAudit(t *testing.T) {
	t.Parallel()

	blocks := staticBlocks{{IP: "198.51.100.9", BlockedUntil: testNow.Add(time.Minute), Reason: "too many failed requests", FailedAttempts: 10}}
	g, dir := newTestGateway(t, blocks)
	_, err := g.RouteInit()
	require.NoError(t, err)

	log, err := audit.Open(filepath.Join(dir, "audit.log"), nil)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NoError(t, log.Append(domain.AuditEntry{
			Timestamp: testNow, Method: "GET", Path: "/admin/users", SourceIP: "198.51.100.9",
			Reason: "path matches blocked pattern /admin/*",
		}))
	}
	require.NoError(t, log.Append(domain.AuditEntry{
		Timestamp: testNow, Method: "GET", Path: "/health", SourceIP: "203.0.113.1", Allowed: true,
	}))
	require.NoError(t, log.Close())

	r, err := g.SecurityAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, r.RecentRequests)
	assert.Equal(t, 7, r.RecentDenied)
	assert.Equal(t, 1, r.Policy.Routes)
	assert.Equal(t, 7, r.Policy.BlockedPaths)
	require.Len(t, r.Suspicions, 1)
	assert.Equal(t, breaker.SuspicionPath, r.Suspicions[0].Kind)
	assert.Equal(t, "/admin/users", r.Suspicions[0].Subject)
	assert.Len(t, r.BlockedIPs, 1)
	assert.Contains(t, r.Warnings, "route /health has no authentication")
}

func TestSecurityAuditWithoutPolicy(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	r, err := g.SecurityAudit(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.RecentRequests)
	assert.NotNil(t, r.BlockedIPs)
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[0], "no policy file")
}
