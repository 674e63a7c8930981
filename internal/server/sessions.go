package server

import (
	"net/http"

	"go.uber.org/zap"

	"agentrelay/internal/transcript"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing transcripts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []transcript.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")
	if r.Method == http.MethodDelete {
		deleted, err := s.store.Delete(r.Context(), id)
		if err != nil {
			s.logger.Error("deleting transcript", zap.String("session_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "session not found.")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("reading transcript", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "session not found.")
		return
	}
	writeJSON(w, http.StatusOK, data)
}
