package guard

import (
	"context"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

// Match is attached to an allowed request for downstream handlers.
type Match struct {
	Route       domain.Route
	Projections map[string]domain.Projection
	TunnelName  string
}

type matchKey struct{}

// WithMatch returns a copy of ctx carrying m.
func WithMatch(ctx context.Context, m *Match) context.Context {
	return context.WithValue(ctx, matchKey{}, m)
}

// MatchFrom returns the route match attached by the guard middleware.
func MatchFrom(ctx context.Context) (*Match, bool) {
	m, ok := ctx.Value(matchKey{}).(*Match)
	return m, ok && m != nil
}
