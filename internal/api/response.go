package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/erazemk/najdeno/internal/model"
)

// Error kinds that exist only at the HTTP boundary.
const (
	kindBadRequest  = "bad_request"
	kindAuth        = "unauthorized"
	kindConflict    = "conflict"
	kindRateLimited = "rate_limited"
	kindTooLarge    = "too_large"
)

type errorBody struct {
	Error       string     `json:"error"`
	Kind        string     `json:"kind"`
	Limit       *int       `json:"limit,omitempty"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, kind, message string) {
	jsonResponse(w, status, errorBody{Error: message, Kind: kind})
}

// writeError maps a registry error to its HTTP status and body. Server-side
// failures are logged; their details are not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.Kind(err)
	switch kind {
	case model.KindValidation:
		jsonError(w, http.StatusBadRequest, kind, err.Error())

	case model.KindQuotaExceeded:
		var qe *model.QuotaExceededError
		errors.As(err, &qe)
		retry := math.Ceil(time.Until(qe.WindowEnd).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(int(retry), 1)))
		jsonResponse(w, http.StatusTooManyRequests, errorBody{
			Error:       err.Error(),
			Kind:        kind,
			Limit:       &qe.Limit,
			WindowStart: &qe.WindowStart,
			WindowEnd:   &qe.WindowEnd,
		})

	case model.KindNotFound, model.KindNotFoundOrForbidden:
		jsonError(w, http.StatusNotFound, kind, "thing not found")

	case model.KindDelivery:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		jsonError(w, http.StatusBadGateway, kind, "failed to send message")

	case model.KindStorage:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		var se *model.StorageError
		if errors.As(err, &se) && se.Timeout {
			jsonError(w, http.StatusServiceUnavailable, kind, "storage timeout, try again later")
			return
		}
		jsonError(w, http.StatusInternalServerError, kind, "internal error")

	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		jsonError(w, http.StatusInternalServerError, model.KindInternal, "internal error")
	}
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}
