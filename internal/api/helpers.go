package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"grimm.is/pktfilter/internal/ctlplane"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/i18n"
	"grimm.is/pktfilter/internal/packet"
)

// getClientIP extracts the client IP from the request, preferring
// X-Forwarded-For and X-Real-IP when set by a proxy.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteErrorCtx sends a localized JSON error response
func WriteErrorCtx(w http.ResponseWriter, r *http.Request, code int, format string, args ...any) {
	p := i18n.GetPrinter(r.Context())
	WriteError(w, code, p.Sprintf(format, args...))
}

// writeEngineError maps controller and engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, filter.ErrInvalidScope):
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid scope: %v", err)
	case errors.Is(err, filter.ErrInvalidPredicate):
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid predicate: %v", err)
	case errors.Is(err, packet.ErrTruncated), errors.Is(err, packet.ErrUnsupported):
		WriteErrorCtx(w, r, http.StatusBadRequest, "cannot decode packet: %v", err)
	case errors.Is(err, filter.ErrUnknownRule):
		WriteErrorCtx(w, r, http.StatusNotFound, "unknown rule: %v", err)
	case errors.Is(err, filter.ErrScopeNotFound):
		WriteErrorCtx(w, r, http.StatusNotFound, "scope not found: %v", err)
	case errors.Is(err, filter.ErrCapacityExceeded):
		WriteErrorCtx(w, r, http.StatusConflict, "scope capacity exceeded: %v", err)
	case errors.Is(err, ctlplane.ErrPersist):
		WriteErrorCtx(w, r, http.StatusInternalServerError, "failed to persist change: %v", err)
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// scopeFromPath reads the {ip} and {table} path values.
func scopeFromPath(r *http.Request) (filter.Scope, error) {
	v, err := filter.ParseIPVersion(r.PathValue("ip"))
	if err != nil {
		return filter.Scope{}, err
	}
	sc := filter.Scope{IP: v, Table: r.PathValue("table")}
	return sc, sc.Validate()
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
