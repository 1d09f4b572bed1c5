package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	TraceID string `json:"trace_id,omitempty"`
}

func statusFor(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindValidationFailed:
		return http.StatusBadRequest
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict, errdefs.KindCancelled:
		return http.StatusConflict
	case errdefs.KindTransientBackend:
		return http.StatusServiceUnavailable
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{
		Error:   err.Error(),
		Kind:    string(errdefs.KindOf(err)),
		TraceID: traceIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
