// Package gateway composes the policy store, tunnel manager, audit log and
// circuit breaker into the operator-facing verbs exposed by the CLI and the
// control API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/account"
	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
	"github.com/koltyakov/tunnelguard/internal/policy"
	"github.com/koltyakov/tunnelguard/internal/tunnel"
)

// BlockSource lists currently blocked request sources.
type BlockSource interface {
	Blocked() []domain.BlockedIP
}

// Options wires a [Gateway]. Policies and Tunnels are required.
type Options struct {
	Policies  *policy.Store
	Tunnels   *tunnel.Manager
	Blocks    BlockSource
	AuditPath string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Gateway is the facade over the gateway components.
type Gateway struct {
	policies  *policy.Store
	tunnels   *tunnel.Manager
	blocks    BlockSource
	auditPath string
	now       func() time.Time
	log       *slog.Logger
}

// New returns a facade over the given components.
func New(opts Options) *Gateway {
	g := &Gateway{
		policies:  opts.Policies,
		tunnels:   opts.Tunnels,
		blocks:    opts.Blocks,
		auditPath: opts.AuditPath,
		now:       opts.Now,
		log:       ilog.OrDiscard(opts.Logger),
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Policies exposes the underlying policy store.
func (g *Gateway) Policies() *policy.Store { return g.policies }

// Tunnels exposes the underlying tunnel manager.
func (g *Gateway) Tunnels() *tunnel.Manager { return g.tunnels }

// AuthStatus reports the stored tunnel-provider identity.
type AuthStatus struct {
	LoggedIn   bool       `json:"loggedIn" yaml:"loggedIn"`
	Account    string     `json:"account,omitempty" yaml:"account,omitempty"`
	LoggedInAt *time.Time `json:"loggedInAt,omitempty" yaml:"loggedInAt,omitempty"`
	CertPath   string     `json:"certPath,omitempty" yaml:"certPath,omitempty"`
}

func authStatusFrom(a account.Account, ok bool) AuthStatus {
	if !ok {
		return AuthStatus{}
	}
	at := a.LoggedInAt
	return AuthStatus{LoggedIn: true, Account: a.Account, LoggedInAt: &at, CertPath: a.CertPath}
}

// Login runs the provider login flow.
func (g *Gateway) Login(ctx context.Context) (AuthStatus, error) {
	a, err := g.tunnels.Login(ctx)
	if err != nil {
		return AuthStatus{}, err
	}
	return authStatusFrom(a, true), nil
}

// Logout forgets the stored identity.
func (g *Gateway) Logout() error { return g.tunnels.Logout() }

// AuthStatus returns the stored identity.
func (g *Gateway) AuthStatus() AuthStatus {
	return authStatusFrom(g.tunnels.AuthStatus())
}

// PolicyStatus summarises the policy document on disk.
type PolicyStatus struct {
	Path         string   `json:"path" yaml:"path"`
	Exists       bool     `json:"exists" yaml:"exists"`
	Valid        bool     `json:"valid" yaml:"valid"`
	Mode         string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Routes       int      `json:"routes" yaml:"routes"`
	BlockedPaths int      `json:"blockedPaths" yaml:"blockedPaths"`
	Errors       []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Status is the combined operator view.
type Status struct {
	Auth          AuthStatus      `json:"auth" yaml:"auth"`
	Policy        PolicyStatus    `json:"policy" yaml:"policy"`
	Tunnels       []domain.Tunnel `json:"tunnels" yaml:"tunnels"`
	ActiveTunnels int             `json:"activeTunnels" yaml:"activeTunnels"`
}

// Status reports auth, policy and tunnel state. Tunnel records are
// reconciled against live processes first.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	tunnels, err := g.tunnels.ListTunnels(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Auth:          g.AuthStatus(),
		Policy:        g.policyStatus(),
		Tunnels:       tunnels,
		ActiveTunnels: countActive(tunnels),
	}, nil
}

func (g *Gateway) policyStatus() PolicyStatus {
	ps := PolicyStatus{Path: g.policies.Path(), Exists: g.policies.Exists()}
	if !ps.Exists {
		ps.Errors = []string{domain.ErrPolicyMissing.Error()}
		return ps
	}
	raw, err := os.ReadFile(g.policies.Path())
	if err != nil {
		ps.Errors = []string{err.Error()}
		return ps
	}
	res, p := policy.ValidateBytes(raw)
	ps.Valid, ps.Errors = res.Valid, res.Errors
	if p != nil {
		ps.Mode = p.Mode
		ps.Routes = len(p.Routes)
		ps.BlockedPaths = len(p.BlockedPaths)
	}
	return ps
}

func countActive(tunnels []domain.Tunnel) int {
	n := 0
	for _, t := range tunnels {
		if t.Status == domain.TunnelStatusActive {
			n++
		}
	}
	return n
}

// RouteInit writes the default strict policy. It never overwrites an
// existing file.
func (g *Gateway) RouteInit() (*domain.Policy, error) {
	p := policy.Default()
	if err := g.policies.Init(p); err != nil {
		return nil, err
	}
	g.log.Info("policy initialised", "path", g.policies.Path())
	return p, nil
}

// RouteOptions overrides the defaults of a new route. Zero values keep the
// default.
type RouteOptions struct {
	Methods          []string
	Auth             string
	Expires          string
	AvailableBetween *domain.TimeWindow
	AllowedEvents    []string
	Description      string
}

// RouteAdd appends a route and persists the policy. The returned warning is
// non-empty when the route is reachable without credentials or never
// expires.
func (g *Gateway) RouteAdd(path string, opts RouteOptions) (domain.Route, string, error) {
	path = strings.TrimSpace(path)
	route := policy.NewRoute(path)
	if len(opts.Methods) > 0 {
		route.Methods = route.Methods[:0]
		for _, m := range opts.Methods {
			route.Methods = append(route.Methods, strings.ToUpper(strings.TrimSpace(m)))
		}
	}
	if a := strings.ToLower(strings.TrimSpace(opts.Auth)); a != "" {
		route.Auth = a
	}
	if e := strings.TrimSpace(opts.Expires); e != "" {
		route.Expires = &e
	}
	route.AvailableBetween = opts.AvailableBetween
	route.AllowedEvents = opts.AllowedEvents
	route.Description = opts.Description

	err := g.policies.Update(func(doc *domain.Policy) error {
		for _, r := range doc.Routes {
			if r.Path == path {
				return fmt.Errorf("%w: %s", domain.ErrRouteExists, path)
			}
		}
		doc.Routes = append(doc.Routes, route)
		return nil
	})
	if err != nil {
		return domain.Route{}, "", err
	}
	g.log.Info("route added", "path", path, "auth", route.Auth)
	return route, routeWarning(route), nil
}

func routeWarning(r domain.Route) string {
	var parts []string
	if r.Auth == domain.AuthNone {
		parts = append(parts, fmt.Sprintf("%s accepts %s without authentication (use --auth token or --auth jwt)",
			r.Path, strings.Join(r.Methods, ", ")))
	}
	if r.Expires == nil {
		parts = append(parts, fmt.Sprintf("%s never expires (use --expires)", r.Path))
	}
	return strings.Join(parts, "; ")
}

// RouteRemove deletes the route with the given path.
func (g *Gateway) RouteRemove(path string) error {
	path = strings.TrimSpace(path)
	err := g.policies.Update(func(doc *domain.Policy) error {
		for i, r := range doc.Routes {
			if r.Path == path {
				doc.Routes = append(doc.Routes[:i], doc.Routes[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", domain.ErrRouteNotFound, path)
	})
	if err != nil {
		return err
	}
	g.log.Info("route removed", "path", path)
	return nil
}

// RouteList returns the declared routes in document order.
func (g *Gateway) RouteList() ([]domain.Route, error) {
	doc, err := g.policies.ReadDocument()
	if err != nil {
		return nil, err
	}
	return doc.Routes, nil
}

// RouteValidate validates the policy file as it is on disk.
func (g *Gateway) RouteValidate() (policy.Result, error) {
	raw, err := os.ReadFile(g.policies.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return policy.Result{}, fmt.Errorf("%w: %s does not exist", domain.ErrPolicyMissing, g.policies.Path())
		}
		return policy.Result{}, err
	}
	res, _ := policy.ValidateBytes(raw)
	return res, nil
}

// TunnelCreate registers a named tunnel.
func (g *Gateway) TunnelCreate(ctx context.Context, name string) (domain.Tunnel, error) {
	return g.tunnels.CreateTunnel(ctx, name)
}

// TunnelStart starts a named tunnel towards localhost:port.
func (g *Gateway) TunnelStart(ctx context.Context, name string, port int) (domain.Tunnel, error) {
	return g.tunnels.StartTunnel(ctx, name, port)
}

// TunnelStop stops a named tunnel.
func (g *Gateway) TunnelStop(ctx context.Context, name string) (domain.Tunnel, error) {
	return g.tunnels.StopTunnel(ctx, name)
}

// TunnelDelete stops and removes a tunnel.
func (g *Gateway) TunnelDelete(ctx context.Context, name string) error {
	return g.tunnels.DeleteTunnel(ctx, name)
}

// TunnelList returns reconciled tunnel records.
func (g *Gateway) TunnelList(ctx context.Context) ([]domain.Tunnel, error) {
	return g.tunnels.ListTunnels(ctx)
}

// TunnelTemp opens a temporary tunnel for ttlSeconds, clamped to the
// allowed range.
func (g *Gateway) TunnelTemp(ctx context.Context, port, ttlSeconds int) (domain.Tunnel, error) {
	return g.tunnels.StartTemporary(ctx, port, ttlSeconds)
}

// Deploy publishes a static directory.
func (g *Gateway) Deploy(ctx context.Context, dir, project string) (tunnel.DeployResult, error) {
	return g.tunnels.DeployStaticSite(ctx, dir, project)
}
