package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/g960059/tmuxgate/internal/api"
	"github.com/g960059/tmuxgate/internal/model"
)

const codeInternal = "E_INTERNAL"

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, string(model.KindBadRequest), "method not allowed")
}

// writeServiceError renders a gateway failure. Only the kind, the reason, and
// a fixed message reach the client; internal detail goes to the log.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeError(w, http.StatusRequestEntityTooLarge, string(model.KindTooLarge), model.PublicMessage(model.KindTooLarge))
		return
	}
	kind := model.KindOf(err)
	if kind == "" {
		hlog.FromRequest(r).Error().Err(err).Msg("unclassified gateway error")
		s.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	status := statusFor(kind, model.ReasonOf(err))
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Warn().Err(err).Str("code", string(kind)).Msg("request failed")
	}
	if kind == model.KindRateLimited {
		w.Header().Set("Retry-After", retryAfterSeconds(model.RetryAfterOf(err)))
	}
	msg := model.PublicMessage(kind)
	if reason := model.ReasonOf(err); reason != "" {
		msg += ": " + reason
	}
	s.writeError(w, status, string(kind), msg)
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func statusFor(kind model.ErrorKind, reason string) int {
	switch kind {
	case model.KindRejectedPath:
		if reason == model.ReasonOutsideRoot {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case model.KindRejectedCommand:
		if reason == model.ReasonBlocked || reason == model.ReasonNotAllowed {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case model.KindBadRequest:
		return http.StatusBadRequest
	case model.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindUnauthenticated:
		return http.StatusUnauthorized
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindSessionUnavailable, model.KindUnreachable:
		return http.StatusServiceUnavailable
	case model.KindDispatchFailed, model.KindAuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, w http.ResponseWriter, out any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return model.NewError(model.KindBadRequest, "content_type", nil)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return model.NewError(model.KindBadRequest, "invalid_body", err)
	}
	return nil
}
