package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/session"
)

// handleUpload is POST /upload: multipart files in, a fresh session with
// descriptors out. An existing session can be extended by passing
// session_id as a form value.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxFileSizeBytes()); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", nil)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}

	var descs []api.FileDescriptor
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if strings.Contains(fh.Filename, "..") {
				writeError(w, http.StatusBadRequest, "Invalid filename", map[string]string{"filename": fh.Filename})
				return
			}
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "Unreadable file part", nil)
				return
			}
			content, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileSizeBytes()+1))
			_ = f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "Unreadable file part", nil)
				return
			}
			desc, err := s.sessions.SaveFile(r.Context(), sessionID, fh.Filename, content)
			if errors.Is(err, session.ErrFileTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "File exceeds maximum size", map[string]string{"filename": fh.Filename})
				return
			}
			if err != nil {
				s.log.Error(err, "storing uploaded file", "filename", fh.Filename)
				writeError(w, http.StatusInternalServerError, "Failed to store file", nil)
				return
			}
			descs = append(descs, desc)
		}
	}

	writeJSON(w, http.StatusOK, api.UploadResponse{SessionID: sessionID, Files: descs})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.sessions.ListFiles(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.log.Error(err, "listing session files")
		writeError(w, http.StatusInternalServerError, "Failed to list files", nil)
		return
	}
	if files == nil {
		files = []api.FileDescriptor{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	desc, content, err := s.sessions.GetFile(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "File not found", nil)
		return
	}
	if err != nil {
		s.log.Error(err, "reading session file")
		writeError(w, http.StatusInternalServerError, "Failed to read file", nil)
		return
	}
	w.Header().Set("Content-Type", desc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+desc.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.DeleteFile(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "id"))
	if errors.Is(err, session.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "File not found", nil)
		return
	}
	if err != nil {
		s.log.Error(err, "deleting session file")
		writeError(w, http.StatusInternalServerError, "Failed to delete file", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	var body api.StateResponse
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}
	sessionID := chi.URLParam(r, "session")
	if err := s.sessions.SaveState(r.Context(), sessionID, body.State); err != nil {
		s.log.Error(err, "storing session state", "session", sessionID)
		writeError(w, http.StatusInternalServerError, "Failed to store state", nil)
		return
	}
	writeJSON(w, http.StatusOK, api.StateResponse{SessionID: sessionID, State: body.State})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	state, err := s.sessions.GetState(r.Context(), sessionID)
	if errors.Is(err, session.ErrStateNotFound) {
		writeError(w, http.StatusNotFound, "No state for session", nil)
		return
	}
	if err != nil {
		s.log.Error(err, "reading session state", "session", sessionID)
		writeError(w, http.StatusInternalServerError, "Failed to read state", nil)
		return
	}
	writeJSON(w, http.StatusOK, api.StateResponse{SessionID: sessionID, State: state})
}
