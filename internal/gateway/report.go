package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/tunnelguard/internal/audit"
	"github.com/koltyakov/tunnelguard/internal/breaker"
	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/policy"
)

// RecentAuditWindow is how many trailing audit entries the security report
// inspects.
const RecentAuditWindow = 1000

// Report is the security audit summary.
type Report struct {
	GeneratedAt    time.Time           `json:"generatedAt" yaml:"generatedAt"`
	Auth           AuthStatus          `json:"auth" yaml:"auth"`
	Policy         PolicyStatus        `json:"policy" yaml:"policy"`
	ActiveTunnels  int                 `json:"activeTunnels" yaml:"activeTunnels"`
	RecentRequests int                 `json:"recentRequests" yaml:"recentRequests"`
	RecentDenied   int                 `json:"recentDenied" yaml:"recentDenied"`
	Suspicions     []breaker.Suspicion `json:"suspicions" yaml:"suspicions"`
	BlockedIPs     []domain.BlockedIP  `json:"blockedIPs" yaml:"blockedIPs"`
	Warnings       []string            `json:"warnings" yaml:"warnings"`
}

// SecurityAudit aggregates auth status, tunnel and policy counts, and the
// denials in the last RecentAuditWindow audit entries.
func (g *Gateway) SecurityAudit(ctx context.Context) (Report, error) {
	tunnels, err := g.tunnels.ListTunnels(ctx)
	if err != nil {
		return Report{}, err
	}
	var entries []domain.AuditEntry
	if g.auditPath != "" {
		if entries, err = audit.ReadRecent(g.auditPath, RecentAuditWindow); err != nil {
			return Report{}, fmt.Errorf("read audit log: %w", err)
		}
	}

	r := Report{
		GeneratedAt:    g.now().UTC(),
		Auth:           g.AuthStatus(),
		Policy:         g.policyStatus(),
		ActiveTunnels:  countActive(tunnels),
		RecentRequests: len(entries),
		Suspicions:     breaker.AnalyzeAuditLog(entries),
		BlockedIPs:     []domain.BlockedIP{},
	}
	for _, e := range entries {
		if !e.Allowed {
			r.RecentDenied++
		}
	}
	if r.Suspicions == nil {
		r.Suspicions = []breaker.Suspicion{}
	}
	if g.blocks != nil {
		if b := g.blocks.Blocked(); b != nil {
			r.BlockedIPs = b
		}
	}
	r.Warnings = g.warnings(r)
	return r, nil
}

func (g *Gateway) warnings(r Report) []string {
	out := []string{}
	switch {
	case !r.Policy.Exists:
		out = append(out, "no policy file: every request is denied (run `tunnelguard route init`)")
	case !r.Policy.Valid:
		out = append(out, fmt.Sprintf("policy is invalid (%d errors): every request is denied", len(r.Policy.Errors)))
	}
	if r.Policy.Mode == domain.ModeDev {
		out = append(out, "policy mode is dev")
	}
	if r.Policy.Exists {
		if doc, err := g.policies.ReadDocument(); err == nil {
			now := g.now()
			for _, route := range doc.Routes {
				if route.Auth == domain.AuthNone {
					out = append(out, fmt.Sprintf("route %s has no authentication", route.Path))
				}
				if route.Expires != nil {
					if exp, err := policy.ParseExpires(*route.Expires); err == nil && !now.Before(exp) {
						out = append(out, fmt.Sprintf("route %s expired at %s", route.Path, *route.Expires))
					}
				}
			}
		}
	}
	if len(r.BlockedIPs) > 0 {
		out = append(out, fmt.Sprintf("%d source(s) currently blocked by the circuit breaker", len(r.BlockedIPs)))
	}
	return out
}
