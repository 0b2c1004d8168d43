package handlers

import (
	"net/http"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
)

// Backends is the backend factory registry. Set by main before serving.
var Backends *backend.Registry

func Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if Sessions != nil {
		resp["sessions"] = Sessions.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListBackends lists the registered backend kinds and profile names.
func ListBackends(w http.ResponseWriter, r *http.Request) {
	var kinds []backend.Kind
	if Backends != nil {
		kinds = Backends.Kinds()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kinds":    kinds,
		"profiles": Profiles.Names(),
	})
}
