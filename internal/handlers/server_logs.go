package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/agentjido/jido-shell-sub001/internal/logging"
	"github.com/agentjido/jido-shell-sub001/internal/session"
)

// GetServerLogs returns the tail of the server log file.
//
// Query parameters:
//   - lines: how many lines to return (default 200).
//   - session: keep only lines logged for this session id.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if err := session.ValidateID(sessionID); err != nil {
			writeShellError(w, err)
			return
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	if sessionID != "" {
		content = filterSessionLines(content, sessionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// filterSessionLines keeps lines carrying a session=<id> field.
func filterSessionLines(content, sessionID string) string {
	field := "session=" + sessionID
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		for _, tok := range strings.Fields(line) {
			if tok == field {
				kept = append(kept, line)
				break
			}
		}
	}
	return strings.Join(kept, "\n")
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
