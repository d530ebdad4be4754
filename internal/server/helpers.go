package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/engine"
	"github.com/koltyakov/tunnelguard/internal/netutil"
)

const maxControlBody = 64 << 10

// decodeJSONBody decodes exactly one JSON object of at most maxBytes into
// dst, rejecting unknown fields.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

type validationErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Errors []string `json:"errors"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	netutil.WriteJSON(w, status, domain.ErrorResponse{Error: msg, Code: code})
}

// writeDomainError maps component errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var invalid *domain.PolicyInvalidError
	var engineStatus *engine.StatusError
	switch {
	case errors.As(err, &invalid):
		netutil.WriteJSON(w, http.StatusUnprocessableEntity, validationErrorResponse{
			Error: err.Error(), Code: string(domain.DenialPolicyInvalid), Errors: invalid.Errors,
		})
	case errors.Is(err, domain.ErrPolicyMissing):
		writeError(w, http.StatusNotFound, string(domain.DenialPolicyMissing), err.Error())
	case errors.Is(err, domain.ErrPolicyExists), errors.Is(err, domain.ErrRouteExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrRouteNotFound), errors.Is(err, domain.ErrTunnelNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrProjectionUndefined):
		writeError(w, http.StatusBadRequest, "projection_undefined", err.Error())
	case errors.Is(err, domain.ErrTunnelToolUnavailable):
		writeError(w, http.StatusServiceUnavailable, "tunnel_tool_unavailable", err.Error())
	case errors.Is(err, domain.ErrTunnelOperationFailed):
		writeError(w, http.StatusBadGateway, "tunnel_operation_failed", err.Error())
	case errors.As(err, &engineStatus), errors.Is(err, engine.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "engine_error", "automation engine request failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
