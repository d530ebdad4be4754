package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koltyakov/tunnelguard/internal/auth"
	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/gateway"
	"github.com/koltyakov/tunnelguard/internal/netutil"
)

type routeRequest struct {
	Path             string             `json:"path"`
	Methods          []string           `json:"methods,omitempty"`
	Auth             string             `json:"auth,omitempty"`
	Expires          string             `json:"expires,omitempty"`
	AvailableBetween *domain.TimeWindow `json:"availableBetween,omitempty"`
	AllowedEvents    []string           `json:"allowedEvents,omitempty"`
	Description      string             `json:"description,omitempty"`
}

type routeResponse struct {
	Route   domain.Route `json:"route"`
	Warning string       `json:"warning,omitempty"`
}

type startTunnelRequest struct {
	Port int `json:"port"`
}

type blockRequest struct {
	IP              string `json:"ip"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// ControlHandler is the operator API. Every /v1 route requires the admin
// token as a bearer credential.
func (s *Server) ControlHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/status", s.handleStatus)
		r.Get("/audit", s.handleSecurityAudit)
		r.Get("/audit/stream", s.handleAuditStream)
		r.Get("/routes", s.handleRouteList)
		r.Post("/routes", s.handleRouteAdd)
		r.Delete("/routes", s.handleRouteRemove)
		r.Post("/routes/validate", s.handleRouteValidate)
		r.Get("/tunnels", s.handleTunnelList)
		r.Post("/tunnels/{name}/start", s.handleTunnelStart)
		r.Post("/tunnels/{name}/stop", s.handleTunnelStop)
		r.Get("/blocks", s.handleBlockList)
		r.Post("/blocks", s.handleBlock)
		r.Delete("/blocks/{ip}", s.handleUnblock)
	})
	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok || !auth.SecretMatches(token, s.cfg.AdminToken) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tunnelguard-control"`)
			writeError(w, http.StatusUnauthorized, string(domain.DenialUnauthorized), "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gw.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleSecurityAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.gw.SecurityAudit(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRouteList(w http.ResponseWriter, _ *http.Request) {
	routes, err := s.gw.RouteList()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if routes == nil {
		routes = []domain.Route{}
	}
	netutil.WriteJSON(w, http.StatusOK, routes)
}

func (s *Server) handleRouteAdd(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeJSONBody(w, r, maxControlBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	route, warning, err := s.gw.RouteAdd(req.Path, gateway.RouteOptions{
		Methods:          req.Methods,
		Auth:             req.Auth,
		Expires:          req.Expires,
		AvailableBetween: req.AvailableBetween,
		AllowedEvents:    req.AllowedEvents,
		Description:      req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusCreated, routeResponse{Route: route, Warning: warning})
}

func (s *Server) handleRouteRemove(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path query parameter is required")
		return
	}
	if err := s.gw.RouteRemove(path); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRouteValidate(w http.ResponseWriter, _ *http.Request) {
	res, err := s.gw.RouteValidate()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	netutil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTunnelList(w http.ResponseWriter, r *http.Request) {
	tunnels, err := s.gw.TunnelList(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tunnels == nil {
		tunnels = []domain.Tunnel{}
	}
	netutil.WriteJSON(w, http.StatusOK, tunnels)
}

func (s *Server) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	var req startTunnelRequest
	if err := decodeJSONBody(w, r, maxControlBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	t, err := s.gw.TunnelStart(r.Context(), chi.URLParam(r, "name"), req.Port)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	t, err := s.gw.TunnelStop(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	netutil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleBlockList(w http.ResponseWriter, _ *http.Request) {
	blocked := []domain.BlockedIP{}
	if s.breaker != nil {
		blocked = append(blocked, s.breaker.Blocked()...)
	}
	netutil.WriteJSON(w, http.StatusOK, blocked)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, http.StatusNotImplemented, "breaker_disabled", "circuit breaker is disabled")
		return
	}
	var req blockRequest
	if err := decodeJSONBody(w, r, maxControlBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "ip must be an IPv4 or IPv6 address")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "blocked by operator"
	}
	rec := s.breaker.BlockIP(ip, reason, time.Duration(req.DurationSeconds)*time.Second)
	netutil.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, http.StatusNotImplemented, "breaker_disabled", "circuit breaker is disabled")
		return
	}
	ip := chi.URLParam(r, "ip")
	if !s.breaker.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "not_found", ip+" is not blocked")
		return
	}
	s.log.Info("source unblocked by operator", "ip", ip)
	w.WriteHeader(http.StatusNoContent)
}
