package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeShellError renders err with a status derived from its kind. The
// structured error rides along under "error".
func writeShellError(w http.ResponseWriter, err error) {
	se := shellerr.From(err, shellerr.Failed)
	writeJSON(w, statusFor(se.Kind), map[string]any{
		"detail": se.Error(),
		"error":  se,
	})
}

func statusFor(kind shellerr.Kind) int {
	switch kind {
	case shellerr.SessionNotFound:
		return http.StatusNotFound
	case shellerr.InvalidSessionID, shellerr.InvalidArgs, shellerr.EmptyCommand,
		shellerr.SyntaxError, shellerr.UnknownCommand, shellerr.BackendInvalidConfig:
		return http.StatusBadRequest
	case shellerr.Busy, shellerr.InvalidStateTransition:
		return http.StatusConflict
	case shellerr.NetworkBlocked:
		return http.StatusForbidden
	case shellerr.StartFailed, shellerr.BackendException:
		return http.StatusBadGateway
	}
	if kind.Category() == "vfs" {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
