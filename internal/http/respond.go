package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/repository"
	"github.com/halverson/stackdrift/internal/secret"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps known error kinds onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		renderErr  *compose.RenderError
		decryptErr *secret.DecryptionError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &renderErr), errors.As(err, &decryptErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
