// Package guard enforces the access policy on every inbound request.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
	ilog "github.com/koltyakov/tunnelguard/internal/log"
	"github.com/koltyakov/tunnelguard/internal/policy"
)

// JWTVerifier validates a bearer token for auth=jwt routes. When none is
// configured only the token's shape is checked.
type JWTVerifier interface {
	Verify(ctx context.Context, token string) error
}

// Recorder receives one audit entry per decision.
type Recorder interface {
	Record(domain.AuditEntry)
}

// Request is the subset of an inbound request the guard decides on.
type Request struct {
	ID       string
	Method   string
	Path     string
	SourceIP string
	// Token is the credential presented for token auth.
	Token string
	// Bearer is the value of an "Authorization: Bearer" header.
	Bearer string
}

// Decision is the outcome of one guard evaluation.
type Decision struct {
	Allowed bool
	Kind    domain.DenialKind
	Reason  string
	Status  int
	// Path is the cleaned request path the decision was made on.
	Path string
	// Allow lists the route's methods on a method denial.
	Allow []string
	// Challenge is the WWW-Authenticate scheme on an auth denial.
	Challenge string
	Match     *Match
}

// Err returns the denial as a *domain.DenialError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.DenialError{Kind: d.Kind, Reason: d.Reason}
}

// Options configures a [Guard].
type Options struct {
	// GatewayToken is the shared secret for auth=token routes. It may be a
	// bcrypt hash.
	GatewayToken string
	JWT          JWTVerifier
	Recorder     Recorder
	TunnelName   string
	Now          func() time.Time
	Logger       *slog.Logger
}

// Guard evaluates requests against the current policy snapshot.
type Guard struct {
	policies *policy.Store
	token    string
	jwt      JWTVerifier
	recorder Recorder
	tunnel   string
	now      func() time.Time
	log      *slog.Logger
}

// New returns a guard backed by store.
func New(store *policy.Store, opts Options) *Guard {
	g := &Guard{
		policies: store,
		token:    strings.TrimSpace(opts.GatewayToken),
		jwt:      opts.JWT,
		recorder: opts.Recorder,
		tunnel:   opts.TunnelName,
		now:      opts.Now,
		log:      ilog.OrDiscard(opts.Logger),
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.jwt == nil {
		g.log.Warn("no JWT verifier configured, auth=jwt routes only check token shape")
	}
	return g
}

// Decide runs the guard pipeline and records the outcome. It never fails;
// every problem resolves to a denial.
func (g *Guard) Decide(ctx context.Context, req Request) Decision {
	d := g.evaluate(ctx, req)
	if g.recorder != nil {
		g.recorder.Record(domain.AuditEntry{
			Timestamp:  g.now().UTC(),
			RequestID:  req.ID,
			Method:     req.Method,
			Path:       d.Path,
			SourceIP:   req.SourceIP,
			Allowed:    d.Allowed,
			Status:     d.Status,
			Reason:     d.Reason,
			TunnelName: g.tunnel,
		})
	}
	if !d.Allowed {
		g.log.Debug("request denied", "method", req.Method, "path", d.Path, "ip", req.SourceIP, "code", d.Kind, "reason", d.Reason)
	}
	return d
}

func (g *Guard) evaluate(ctx context.Context, req Request) Decision {
	reqPath := CleanPath(req.Path)

	snap, err := g.policies.Load()
	if err != nil || snap == nil {
		var invalid *domain.PolicyInvalidError
		if errors.As(err, &invalid) {
			return deny(reqPath, domain.DenialPolicyInvalid, http.StatusForbidden, "policy is invalid: "+invalid.Error())
		}
		return deny(reqPath, domain.DenialPolicyMissing, http.StatusForbidden, "no policy loaded")
	}
	p := snap.Policy

	if pattern, blocked := snap.BlockedBy(reqPath); blocked {
		return deny(reqPath, domain.DenialPathBlocked, http.StatusForbidden, fmt.Sprintf("path matches blocked pattern %s", pattern))
	}

	route, ok := MatchRoute(p.Routes, reqPath)
	if !ok {
		return deny(reqPath, domain.DenialRouteNotWhitelisted, http.StatusForbidden, "route not whitelisted")
	}

	method := strings.ToUpper(req.Method)
	if !route.AllowsMethod(method) {
		d := deny(reqPath, domain.DenialMethodNotAllowed, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", method))
		d.Allow = append([]string(nil), route.Methods...)
		return d
	}

	now := g.now()
	if route.Expires != nil && strings.TrimSpace(*route.Expires) != "" {
		expires, err := policy.ParseExpires(*route.Expires)
		if err != nil || !now.Before(expires) {
			return deny(reqPath, domain.DenialRouteExpired, http.StatusForbidden, "route expired")
		}
	}

	if w := route.AvailableBetween; w != nil {
		within, err := WithinWindow(*w, now)
		if err != nil || !within {
			return deny(reqPath, domain.DenialOutsideHours, http.StatusForbidden,
				fmt.Sprintf("route only available between %s and %s", w.Start, w.End))
		}
	}

	if d, ok := g.authenticate(ctx, route, req, reqPath); !ok {
		return d
	}

	return Decision{
		Allowed: true,
		Status:  http.StatusOK,
		Path:    reqPath,
		Match: &Match{
			Route:       route,
			Projections: p.Projections,
			TunnelName:  g.tunnel,
		},
	}
}

func (g *Guard) authenticate(ctx context.Context, route domain.Route, req Request, reqPath string) (Decision, bool) {
	switch route.Auth {
	case domain.AuthNone:
		return Decision{}, true
	case domain.AuthToken:
		if g.token == "" {
			d := unauthorized(reqPath, "Token", "token auth required but no gateway token is configured")
			return d, false
		}
		if req.Token == "" {
			return unauthorized(reqPath, "Token", "missing token"), false
		}
		if !auth.SecretMatches(req.Token, g.token) {
			return unauthorized(reqPath, "Token", "invalid token"), false
		}
		return Decision{}, true
	case domain.AuthJWT:
		if req.Bearer == "" {
			return unauthorized(reqPath, "Bearer", "missing bearer token"), false
		}
		if !auth.LooksLikeJWT(req.Bearer) {
			return unauthorized(reqPath, "Bearer", "malformed bearer token"), false
		}
		if g.jwt != nil {
			if err := g.jwt.Verify(ctx, req.Bearer); err != nil {
				return unauthorized(reqPath, "Bearer", "invalid bearer token"), false
			}
		}
		return Decision{}, true
	}
	return unauthorized(reqPath, "", fmt.Sprintf("unsupported auth scheme %q", route.Auth)), false
}

// MatchRoute returns the first route in document order that structurally
// matches reqPath: an exact match, a descendant of the route path, or a
// descendant of a trailing "/*" wildcard.
func MatchRoute(routes []domain.Route, reqPath string) (domain.Route, bool) {
	for _, r := range routes {
		if routeMatches(r.Path, reqPath) {
			return r, true
		}
	}
	return domain.Route{}, false
}

func routeMatches(routePath, reqPath string) bool {
	if base, ok := strings.CutSuffix(routePath, "/*"); ok {
		return reqPath == base || strings.HasPrefix(reqPath, base+"/")
	}
	return reqPath == routePath || strings.HasPrefix(reqPath, routePath+"/")
}

// WithinWindow reports whether now falls inside the daily window, using
// now's location. A window whose start is after its end wraps past
// midnight. Both ends are inclusive at minute resolution.
func WithinWindow(w domain.TimeWindow, now time.Time) (bool, error) {
	start, err := minuteOfDay(w.Start)
	if err != nil {
		return false, err
	}
	end, err := minuteOfDay(w.End)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end, nil
	}
	return cur >= start || cur <= end, nil
}

func minuteOfDay(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CleanPath normalises a request path before matching so that dot segments
// and duplicate slashes cannot sidestep the deny-list.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func deny(reqPath string, kind domain.DenialKind, status int, reason string) Decision {
	return Decision{Kind: kind, Reason: reason, Status: status, Path: reqPath}
}

func unauthorized(reqPath, challenge, reason string) Decision {
	d := deny(reqPath, domain.DenialUnauthorized, http.StatusUnauthorized, reason)
	d.Challenge = challenge
	return d
}
