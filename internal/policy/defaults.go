package policy

import "github.com/koltyakov/tunnelguard/internal/domain"

// Default returns the strict starter policy written by route init: a
// single unauthenticated health route, common sensitive paths blocked, and
// projections for the engine's core entity shapes.
func Default() *domain.Policy {
	return &domain.Policy{
		Version: domain.PolicyVersion,
		Mode:    domain.ModeStrict,
		Routes: []domain.Route{
			{
				Path:        "/health",
				Methods:     []string{"GET"},
				Auth:        domain.AuthNone,
				Description: "liveness probe",
			},
		},
		BlockedPaths: []string{
			"/admin/*",
			"/internal/**",
			"/config/*",
			"/.env",
			"/.git/**",
			"/**/*.key",
			"/**/*.pem",
		},
		Projections: map[string]domain.Projection{
			"task":   {Fields: []string{"id", "title", "status", "createdAt", "updatedAt"}},
			"agent":  {Fields: []string{"id", "name", "status"}},
			"file":   {Fields: []string{"name", "size", "mimeType", "updatedAt"}},
			"memory": {Fields: []string{"id", "summary", "createdAt"}},
		},
	}
}

// NewRoute returns a route with the facade defaults: GET and POST, no
// auth, no expiry. These defaults are permissive; callers should surface
// that to the operator.
func NewRoute(path string) domain.Route {
	return domain.Route{
		Path:    path,
		Methods: []string{"GET", "POST"},
		Auth:    domain.AuthNone,
		Expires: nil,
	}
}
