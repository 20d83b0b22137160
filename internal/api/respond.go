package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cdn-defense/edge/internal/defense"
	"github.com/cdn-defense/edge/internal/kv"
	"github.com/cdn-defense/edge/internal/syncd"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("[API] Response encode failed", "error", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses. Backend outages
// are 503, lookup misses 404, caller mistakes 400; everything else is
// a 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, defense.ErrInvalidTenant),
		errors.Is(err, defense.ErrInvalidPayload),
		errors.Is(err, syncd.ErrInvalidPayload):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, defense.ErrPolicyNotFound),
		errors.Is(err, syncd.ErrPolicyNotFound),
		errors.Is(err, syncd.ErrRouteNotFound),
		errors.Is(err, syncd.ErrCertNotFound),
		errors.Is(err, kv.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, defense.ErrChallengeExpired):
		writeErrorMessage(w, http.StatusGone, err.Error())
	case errors.Is(err, defense.ErrChallengeInvalid):
		writeErrorMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, defense.ErrConflict):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, kv.ErrBackendTimeout),
		errors.Is(err, kv.ErrBackendUnavailable):
		writeErrorMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, out any) bool {
	return json.NewDecoder(r.Body).Decode(out) == nil
}
