package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/engine"
	"github.com/koltyakov/tunnelguard/internal/eventguard"
	"github.com/koltyakov/tunnelguard/internal/guard"
	"github.com/koltyakov/tunnelguard/internal/netutil"
	"github.com/koltyakov/tunnelguard/internal/projection"
)

// ProjectionParam selects an explicit projection on proxied reads.
const ProjectionParam = "projection"

// maxEventBody leaves room for the envelope around a maximal payload.
const maxEventBody = eventguard.MaxPayloadBytes + 4<<10

// PublicHandler is the tunnel-facing chain: panic recovery, the circuit
// breaker, the route guard, then event dispatch or a projected proxy to
// the engine.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.breaker != nil {
		r.Use(s.breaker.Middleware)
	}
	r.Use(s.guard.Middleware)
	r.HandleFunc("/*", s.handlePublic)
	return r
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	m, ok := guard.MatchFrom(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if r.Method == http.MethodPost && len(m.Route.AllowedEvents) > 0 {
		s.handleEvent(w, r, m)
		return
	}
	s.handleProxy(w, r, m)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, m *guard.Match) {
	var req domain.EventRequest
	if err := decodeJSONBody(w, r, maxEventBody, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.denyEvent(w, r, eventguard.Result{
				Kind:   domain.DenialPayloadRejected,
				Reason: "request body too large",
				Rule:   "payload-size",
			}, http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"event\": string, \"payload\": object}")
		return
	}
	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "event is required")
		return
	}

	if res := eventguard.ValidateEvent(req.Event, req.Payload, m.Route); !res.Allowed {
		s.denyEvent(w, r, res, http.StatusForbidden)
		return
	}

	out, err := s.engine.TriggerEvent(r.Context(), req.Event, req.Payload)
	if err != nil {
		s.log.Warn("event dispatch failed", "event", req.Event, "path", r.URL.Path, "err", err)
		writeDomainError(w, err)
		return
	}
	var result json.RawMessage
	if len(out) > 0 {
		if result, err = json.Marshal(projection.AutoProject(out, m.Projections)); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
	}
	s.log.Info("event dispatched", "event", req.Event, "path", r.URL.Path, "ip", netutil.ClientIP(r))
	netutil.WriteJSON(w, http.StatusOK, domain.EventResponse{OK: true, Event: req.Event, Result: result})
}

// denyEvent answers an event-guard denial and records it next to the
// route guard's entry for the same request.
func (s *Server) denyEvent(w http.ResponseWriter, r *http.Request, res eventguard.Result, status int) {
	if s.audit != nil {
		s.audit.Record(domain.AuditEntry{
			RequestID:  w.Header().Get(guard.RequestIDHeader),
			Method:     r.Method,
			Path:       r.URL.Path,
			SourceIP:   netutil.ClientIP(r),
			Allowed:    false,
			Status:     status,
			Reason:     string(res.Kind) + ": " + res.Reason,
			TunnelName: tunnelName(r),
		})
	}
	s.log.Warn("event rejected", "path", r.URL.Path, "ip", netutil.ClientIP(r), "code", res.Kind, "rule", res.Rule, "reason", res.Reason)
	writeError(w, status, string(res.Kind), res.Reason)
}

func tunnelName(r *http.Request) string {
	if m, ok := guard.MatchFrom(r.Context()); ok {
		return m.TunnelName
	}
	return ""
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, m *guard.Match) {
	cleaned := guard.CleanPath(r.URL.Path)
	if isEngineEventPath(cleaned) {
		s.denyEvent(w, r, eventguard.Result{
			Kind:   domain.DenialEventNotWhitelisted,
			Reason: "events must be sent to a route with allowedEvents",
			Rule:   "engine-events",
		}, http.StatusForbidden)
		return
	}

	query := r.URL.Query()
	name := strings.TrimSpace(query.Get(ProjectionParam))
	if name != "" {
		if _, ok := m.Projections[name]; !ok {
			writeError(w, http.StatusBadRequest, "projection_undefined", "projection "+strconv.Quote(name)+" is not defined")
			return
		}
		query.Del(ProjectionParam)
	}
	u := *r.URL
	u.Path, u.RawPath = cleaned, ""
	u.RawQuery = query.Encode()
	r.URL = &u

	resp, err := s.engine.Fetch(r.Context(), r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 || r.Method == http.MethodHead {
		passThrough(w, resp)
		return
	}

	data, structured := decodeStructured(resp.Body)
	if !structured {
		switch {
		case name != "":
			s.log.Warn("engine returned a non-JSON body for a projected read", "path", r.URL.Path, "projection", name)
			writeError(w, http.StatusBadGateway, "engine_error", "automation engine returned a non-JSON body")
		case resp.IsJSON():
			s.log.Warn("engine returned malformed JSON", "path", r.URL.Path)
			writeError(w, http.StatusBadGateway, "engine_error", "automation engine returned malformed JSON")
		default:
			passThrough(w, resp)
		}
		return
	}

	var out any
	if name != "" {
		if out, err = projection.Project(data, name, m.Projections); err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		out = projection.AutoProject(data, m.Projections)
	}
	copyHeaders(w.Header(), resp.Header)
	netutil.WriteJSON(w, resp.Status, out)
}

// isEngineEventPath reports whether p addresses the engine's event
// endpoint, which is only reachable through event dispatch.
func isEngineEventPath(p string) bool {
	p = strings.ToLower(p)
	return p == engine.EventsPath || strings.HasPrefix(p, engine.EventsPath+"/")
}

// decodeStructured parses body as a JSON object or array regardless of the
// declared content type. Scalars and non-JSON bodies report false.
func decodeStructured(body []byte) (any, bool) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	switch data.(type) {
	case map[string]any, []any:
		return data, true
	}
	return nil, false
}

func passThrough(w http.ResponseWriter, resp *engine.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// copyHeaders copies engine response headers except those describing the
// original body.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Encoding", "Etag":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
