package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/registry"
	"agentrelay/internal/runner"
)

type chatRequest struct {
	Message        string `json:"message"`
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	PermissionMode string `json:"permission_mode"`
}

// handleChat starts one agent turn and streams its outward events. If
// the client goes away the turn is detached and runs to completion.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var request chatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required.")
		return
	}
	request.SessionID = strings.TrimSpace(request.SessionID)
	request.PermissionMode = strings.TrimSpace(request.PermissionMode)
	if request.PermissionMode != "" && !config.ValidPermissionMode(request.PermissionMode) {
		writeError(w, http.StatusBadRequest, "invalid permission_mode.")
		return
	}
	workDir, err := s.workspace.ResolveDir(request.CWD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cwd: "+err.Error())
		return
	}

	run, err := s.runner.Start(runner.Request{
		Prompt:         request.Message,
		SessionID:      request.SessionID,
		WorkDir:        workDir,
		PermissionMode: request.PermissionMode,
	})
	switch {
	case errors.Is(err, registry.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, registry.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("starting agent turn", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger := s.logger.With(zap.String("session_id", run.SessionID))
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		run.Detach()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for {
		select {
		case <-r.Context().Done():
			logger.Info("chat client disconnected; turn continues detached")
			run.Detach()
			return
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error("encoding outward event", zap.Error(err))
				continue
			}
			msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
			msg.AppendData(string(payload))
			if err := sess.Send(msg); err != nil {
				run.Detach()
				return
			}
			_ = sess.Flush()
		}
	}
}
