package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/policy"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memRecorder) Record(e domain.AuditEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func (m *memRecorder) all() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...)
}

type rejectAll struct{}

func (rejectAll) Verify(context.Context, string) error { return errors.New("bad signature") }

func strPtr(s string) *string { return &s }

var noon = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func testPolicy() *domain.Policy {
	return &domain.Policy{
		Version: domain.PolicyVersion,
		Mode:    domain.ModeStrict,
		Routes: []domain.Route{
			{Path: "/health", Methods: []string{"GET"}, Auth: domain.AuthNone},
			{Path: "/admin/panel", Methods: []string{"GET"}, Auth: domain.AuthNone},
			{Path: "/api", Methods: []string{"GET"}, Auth: domain.AuthToken},
			{Path: "/api/admin", Methods: []string{"GET", "DELETE"}, Auth: domain.AuthNone},
			{Path: "/jwt", Methods: []string{"GET"}, Auth: domain.AuthJWT},
			{Path: "/files/*", Methods: []string{"GET"}, Auth: domain.AuthNone},
			{Path: "/old", Methods: []string{"GET"}, Auth: domain.AuthNone, Expires: strPtr("2026-01-01T00:00:00Z")},
			{Path: "/future", Methods: []string{"GET"}, Auth: domain.AuthNone, Expires: strPtr("2027-01-01")},
			{Path: "/night", Methods: []string{"GET"}, Auth: domain.AuthNone, AvailableBetween: &domain.TimeWindow{Start: "22:00", End: "06:00"}},
		},
		BlockedPaths: []string{"/admin/*", "/.env"},
		Projections:  map[string]domain.Projection{"task": {Fields: []string{"id", "title"}}},
	}
}

func newTestGuard(t *testing.T, p *domain.Policy, opts Options) (*Guard, *memRecorder) {
	t.Helper()
	store := policy.NewStore(filepath.Join(t.TempDir(), "policy.json"))
	if p != nil {
		require.NoError(t, store.Write(p))
	}
	rec := &memRecorder{}
	opts.Recorder = rec
	if opts.Now == nil {
		opts.Now = func() time.Time { return noon }
	}
	if opts.TunnelName == "" {
		opts.TunnelName = "edge"
	}
	return New(store, opts), rec
}

func TestDecidePipeline(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{GatewayToken: "s3cret"})

	tests := []struct {
		name   string
		req    Request
		kind   domain.DenialKind
		status int
	}{
		{"allowed", Request{Method: "GET", Path: "/health"}, "", http.StatusOK},
		{"blocked beats whitelist", Request{Method: "GET", Path: "/admin/panel"}, domain.DenialPathBlocked, http.StatusForbidden},
		{"blocked after cleaning", Request{Method: "GET", Path: "/health/../admin/panel"}, domain.DenialPathBlocked, http.StatusForbidden},
		{"blocked case-insensitive", Request{Method: "GET", Path: "/.ENV"}, domain.DenialPathBlocked, http.StatusForbidden},
		{"unknown route", Request{Method: "GET", Path: "/nope"}, domain.DenialRouteNotWhitelisted, http.StatusForbidden},
		{"method", Request{Method: "POST", Path: "/health"}, domain.DenialMethodNotAllowed, http.StatusMethodNotAllowed},
		{"head is not implied", Request{Method: "HEAD", Path: "/health"}, domain.DenialMethodNotAllowed, http.StatusMethodNotAllowed},
		{"expired", Request{Method: "GET", Path: "/old"}, domain.DenialRouteExpired, http.StatusForbidden},
		{"not yet expired", Request{Method: "GET", Path: "/future"}, "", http.StatusOK},
		{"outside hours", Request{Method: "GET", Path: "/night"}, domain.DenialOutsideHours, http.StatusForbidden},
		{"token missing", Request{Method: "GET", Path: "/api"}, domain.DenialUnauthorized, http.StatusUnauthorized},
		{"token wrong", Request{Method: "GET", Path: "/api", Token: "guess"}, domain.DenialUnauthorized, http.StatusUnauthorized},
		{"token ok", Request{Method: "GET", Path: "/api", Token: "s3cret"}, "", http.StatusOK},
		{"jwt missing", Request{Method: "GET", Path: "/jwt"}, domain.DenialUnauthorized, http.StatusUnauthorized},
		{"jwt malformed", Request{Method: "GET", Path: "/jwt", Bearer: "abc"}, domain.DenialUnauthorized, http.StatusUnauthorized},
		{"jwt shape ok", Request{Method: "GET", Path: "/jwt", Bearer: "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln"}, "", http.StatusOK},
		{"wildcard descendant", Request{Method: "GET", Path: "/files/a/b.txt"}, "", http.StatusOK},
		{"wildcard sibling", Request{Method: "GET", Path: "/filesystem"}, domain.DenialRouteNotWhitelisted, http.StatusForbidden},
	}
	for _, tt := range tests {
		d := g.Decide(context.Background(), tt.req)
		assert.Equal(t, tt.kind == "", d.Allowed, tt.name)
		assert.Equal(t, tt.kind, d.Kind, tt.name)
		assert.Equal(t, tt.status, d.Status, tt.name)
	}
}

func TestDecideRouteOrderWins(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	g, _ := newTestGuard(t, p, Options{GatewayToken: "s3cret"})

	// "/api" is declared before "/api/admin" and requires a token.
	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/api/admin"})
	require.False(t, d.Allowed)
	assert.Equal(t, domain.DenialUnauthorized, d.Kind)

	p.Routes[2], p.Routes[3] = p.Routes[3], p.Routes[2]
	g, _ = newTestGuard(t, p, Options{GatewayToken: "s3cret"})
	d = g.Decide(context.Background(), Request{Method: "DELETE", Path: "/api/admin"})
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, "/api/admin", d.Match.Route.Path)
}

func TestDecideAttachesMatch(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{})
	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/health"})
	require.True(t, d.Allowed)
	require.NotNil(t, d.Match)
	assert.Equal(t, "/health", d.Match.Route.Path)
	assert.Equal(t, "edge", d.Match.TunnelName)
	assert.Contains(t, d.Match.Projections, "task")
	assert.NoError(t, d.Err())
}

func TestDecideMethodDenialListsAllow(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{})
	d := g.Decide(context.Background(), Request{Method: "PUT", Path: "/api/admin/x"})
	require.False(t, d.Allowed)
	assert.Equal(t, []string{"GET"}, d.Allow)

	var denial *domain.DenialError
	require.ErrorAs(t, d.Err(), &denial)
	assert.Equal(t, domain.DenialMethodNotAllowed, denial.Kind)
}

func TestDecideNoPolicyDeniesEverything(t *testing.T) {
	t.Parallel()

	g, rec := newTestGuard(t, nil, Options{})
	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/health", SourceIP: "198.51.100.9"})
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.DenialPolicyMissing, d.Kind)

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Allowed)
	assert.Equal(t, "198.51.100.9", entries[0].SourceIP)
	assert.Equal(t, "edge", entries[0].TunnelName)
	assert.Equal(t, "no policy loaded", entries[0].Reason)
}

func TestDecideInvalidPolicyDeniesEverything(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.0","mode":"strict","routes":[{"path":"/health","methods":["GET"],"auth":"none","expires":null}],"blockedPath":[]}`), 0o600))
	g := New(policy.NewStore(path), Options{})

	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/health"})
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.DenialPolicyInvalid, d.Kind)
}

func TestDecideTokenBcrypt(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashSecret("hunter2")
	require.NoError(t, err)
	g, _ := newTestGuard(t, testPolicy(), Options{GatewayToken: hash})

	assert.True(t, g.Decide(context.Background(), Request{Method: "GET", Path: "/api", Token: "hunter2"}).Allowed)
	assert.False(t, g.Decide(context.Background(), Request{Method: "GET", Path: "/api", Token: hash}).Allowed)
}

func TestDecideTokenRouteWithoutConfiguredToken(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{})
	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/api", Token: ""})
	assert.False(t, d.Allowed)
	assert.Equal(t, "Token", d.Challenge)
}

func TestDecideJWTVerifier(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{JWT: rejectAll{}})
	d := g.Decide(context.Background(), Request{Method: "GET", Path: "/jwt", Bearer: "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "Bearer", d.Challenge)
}

func TestDecideAuditsEveryDecision(t *testing.T) {
	t.Parallel()

	g, rec := newTestGuard(t, testPolicy(), Options{})
	g.Decide(context.Background(), Request{ID: "r1", Method: "GET", Path: "/health"})
	g.Decide(context.Background(), Request{ID: "r2", Method: "GET", Path: "/admin/x"})

	entries := rec.all()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Allowed)
	assert.Equal(t, "r1", entries[0].RequestID)
	assert.False(t, entries[1].Allowed)
	assert.Equal(t, http.StatusForbidden, entries[1].Status)
	assert.Contains(t, entries[1].Reason, "/admin/*")
}

func TestWithinWindow(t *testing.T) {
	t.Parallel()

	night := domain.TimeWindow{Start: "22:00", End: "06:00"}
	day := domain.TimeWindow{Start: "09:00", End: "17:30"}
	at := func(h, m int) time.Time { return time.Date(2026, 6, 15, h, m, 0, 0, time.UTC) }

	tests := []struct {
		w    domain.TimeWindow
		t    time.Time
		want bool
	}{
		{night, at(23, 30), true},
		{night, at(2, 0), true},
		{night, at(12, 0), false},
		{night, at(22, 0), true},
		{night, at(6, 1), false},
		{day, at(9, 0), true},
		{day, at(17, 30), true},
		{day, at(17, 31), false},
		{day, at(8, 59), false},
	}
	for _, tt := range tests {
		got, err := WithinWindow(tt.w, tt.t)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v at %s", tt.w, tt.t.Format("15:04"))
	}

	_, err := WithinWindow(domain.TimeWindow{Start: "7am", End: "06:00"}, at(1, 0))
	assert.Error(t, err)
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                "/",
		"api":             "/api",
		"/a//b":           "/a/b",
		"/a/./b/":         "/a/b",
		"/a/../../etc":    "/etc",
		"/files/../admin": "/admin",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanPath(in), in)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t, testPolicy(), Options{GatewayToken: "s3cret"})
	var gotMatch *Match
	var gotPath string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMatch, _ = MatchFrom(r.Context())
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/files/x/../y.txt", nil)
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, gotMatch)
		assert.Equal(t, "/files/*", gotMatch.Route.Path)
		assert.Equal(t, "/files/y.txt", gotPath)
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	})

	t.Run("method denial", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "GET", rec.Header().Get("Allow"))
		assert.JSONEq(t, `{"error":"method POST not allowed","code":"method_not_allowed"}`, rec.Body.String())
	})

	t.Run("auth denial", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Token")
	})

	t.Run("token via header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Header.Set(auth.TokenHeader, "s3cret")
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestMatchFromEmptyContext(t *testing.T) {
	t.Parallel()

	_, ok := MatchFrom(context.Background())
	assert.False(t, ok)
}
