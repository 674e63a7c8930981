package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/samber/lo"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"agentrelay/internal/registry"
)

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	var states []registry.State
	if raw := strings.TrimSpace(r.URL.Query().Get("ids")); raw != "" {
		ids := lo.Compact(lo.Map(strings.Split(raw, ","), func(id string, _ int) string {
			return strings.TrimSpace(id)
		}))
		states = s.registry.ListFor(ids)
	} else {
		states = s.registry.List()
	}
	if states == nil {
		states = []registry.State{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": states})
}

func (s *Server) handleAgentRespond(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	var request struct {
		ActionID string          `json:"action_id"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	request.ActionID = strings.TrimSpace(request.ActionID)
	if request.ActionID == "" {
		writeError(w, http.StatusBadRequest, "action_id is required.")
		return
	}
	if len(request.Response) == 0 {
		request.Response = json.RawMessage(`null`)
	}
	if !s.registry.SubmitResponse(id, request.ActionID, registry.Response(request.Response)) {
		writeError(w, http.StatusConflict, "action not found or already resolved.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.registry.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "agent session not found.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAgentEventsStream sends a snapshot of the current state, then
// live changes. A Last-Event-ID skips the snapshot and replays what the
// client missed instead.
func (s *Server) handleAgentEventsStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))

	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{feedTopic(sessionID)},
	}
	if lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	} else {
		var snapshot []registry.State
		if sessionID != "" {
			snapshot = s.registry.ListFor([]string{sessionID})
		} else {
			snapshot = s.registry.List()
		}
		for _, state := range snapshot {
			msg, err := stateMessage(state)
			if err != nil {
				continue
			}
			if err := sess.Send(msg); err != nil {
				return
			}
		}
		_ = sess.Flush()
	}

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.feed.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sse.ErrProviderClosed) {
				s.logger.Debug("agent event subscription ended", zap.Error(err))
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}
