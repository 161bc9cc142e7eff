package server

import (
	"encoding/json"
	"net/http"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/apikey"
	"github.com/kilnrun/kiln/session"
)

// handleExec is POST /exec: validate, dispatch, persist captured state and
// serialise the outcome. Execution failures are HTTP 200 with a non-zero
// exit code; only malformed requests produce error statuses here.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req api.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", validationDetails(err))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}

	var keyHash string
	if id, ok := apikey.IdentityFrom(r.Context()); ok {
		keyHash = id.KeyHash
	}

	out := s.dispatcher.Execute(r.Context(), req, sessionID, keyHash)

	// Best-effort state capture; a KV hiccup never fails the execution.
	if req.CaptureState && out.Result.State != "" {
		if err := s.sessions.SaveState(r.Context(), sessionID, out.Result.State); err != nil {
			s.log.Error(err, "persisting captured state", "session", sessionID)
		}
	}

	writeJSON(w, http.StatusOK, api.ExecutionResponse{
		ExecutionID:     out.ExecutionID,
		Status:          out.Status,
		Stdout:          out.Result.Stdout,
		Stderr:          out.Result.Stderr,
		ExitCode:        out.Result.ExitCode,
		ExecutionTimeMS: out.Result.ExecutionTimeMS,
		MemoryPeakMB:    out.Result.MemoryPeakMB,
		SessionID:       sessionID,
		Outputs:         out.Result.FilesProduced,
		State:           out.Result.State,
		StateErrors:     out.Result.StateErrors,
	})
}
