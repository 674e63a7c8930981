package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"agentrelay/internal/registry"
)

const (
	// allAgentsTopic carries every state change. Per-session topics carry
	// sessionTopicPrefix so no session id can collide with it.
	allAgentsTopic     = "agents"
	sessionTopicPrefix = "session:"
	feedReplayTTL      = time.Hour
)

// Feed broadcasts registry state changes to SSE subscribers and keeps
// recent messages for Last-Event-ID replay. Publish is meant to be
// installed as the registry's OnChange hook.
type Feed struct {
	provider *sse.Joe
	logger   *zap.Logger
}

func NewFeed(logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	replayer, err := sse.NewValidReplayer(feedReplayTTL, false)
	if err != nil {
		return nil, err
	}
	return &Feed{
		provider: &sse.Joe{Replayer: replayer},
		logger:   logger.Named("feed"),
	}, nil
}

func (f *Feed) Publish(state registry.State) {
	msg, err := stateMessage(state)
	if err != nil {
		f.logger.Error("encoding agent state", zap.String("session_id", state.SessionID), zap.Error(err))
		return
	}
	if err := f.provider.Publish(msg, []string{allAgentsTopic, feedTopic(state.SessionID)}); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		f.logger.Warn("publishing agent state", zap.String("session_id", state.SessionID), zap.Error(err))
	}
}

func (f *Feed) Subscribe(ctx context.Context, sub sse.Subscription) error {
	return f.provider.Subscribe(ctx, sub)
}

func (f *Feed) Shutdown(ctx context.Context) error {
	err := f.provider.Shutdown(ctx)
	if errors.Is(err, sse.ErrProviderClosed) {
		return nil
	}
	return err
}

func stateMessage(state registry.State) (*sse.Message, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	msg := &sse.Message{ID: sse.ID(ulid.Make().String())}
	msg.AppendData(string(payload))
	return msg, nil
}

func feedTopic(sessionID string) string {
	if sessionID == "" {
		return allAgentsTopic
	}
	return sessionTopicPrefix + sessionID
}
