package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a boundary error to its status and serializes the
// machine-readable body. Storage sentinels leaking this far become their
// obvious kinds rather than 500s.
func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ae = apperr.Wrap(apperr.NotFound, "not_found", "entity does not exist", err)
		case errors.Is(err, storage.ErrDuplicate):
			ae = apperr.Wrap(apperr.Conflict, "duplicate", "entity already exists", err)
		default:
			ae = apperr.Wrap(apperr.Internal, "internal", "internal error", err)
		}
	}
	writeJSON(w, apperr.HTTPStatus(ae), map[string]interface{}{"error": ae})
}
