package guard

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/netutil"
)

// RequestIDHeader echoes the audit request id to the caller.
const RequestIDHeader = "X-Request-Id"

// RequestFromHTTP extracts the fields the guard decides on.
func RequestFromHTTP(r *http.Request) Request {
	bearer, _ := auth.BearerToken(r)
	return Request{
		ID:       uuid.NewString(),
		Method:   r.Method,
		Path:     r.URL.Path,
		SourceIP: netutil.ClientIP(r),
		Token:    auth.ExtractToken(r),
		Bearer:   bearer,
	}
}

// Middleware denies requests the policy does not allow. Allowed requests
// continue with the cleaned path and a [Match] in their context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := RequestFromHTTP(r)
		w.Header().Set(RequestIDHeader, req.ID)

		d := g.Decide(r.Context(), req)
		if !d.Allowed {
			WriteDenial(w, d)
			return
		}

		r = r.WithContext(WithMatch(r.Context(), d.Match))
		if r.URL.Path != d.Path {
			u := *r.URL
			u.Path = d.Path
			u.RawPath = ""
			r.URL = &u
		}
		next.ServeHTTP(w, r)
	})
}

// WriteDenial renders d as a JSON error with the matching status and
// headers.
func WriteDenial(w http.ResponseWriter, d Decision) {
	switch {
	case len(d.Allow) > 0:
		w.Header().Set("Allow", strings.Join(d.Allow, ", "))
	case d.Challenge != "":
		w.Header().Set("WWW-Authenticate", d.Challenge+` realm="tunnelguard"`)
	}
	status := d.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	netutil.WriteJSON(w, status, domain.ErrorResponse{Error: d.Reason, Code: string(d.Kind)})
}
