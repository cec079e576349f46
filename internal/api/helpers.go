package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/cache"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/syncer"
)

// maxBodyBytes caps request bodies; cache writes are the largest.
const maxBodyBytes = 10 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeOK writes a successful Result.
func writeOK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, offline.Ok(data))
}

// writeError writes a failed Result with a status derived from err.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), offline.Fail(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidType),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, cache.ErrInvalidKey),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrAlreadyProcessing),
		errors.Is(err, cache.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, cache.ErrEntryTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, syncer.ErrOffline),
		errors.Is(err, security.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("api: bad request")

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
