package registry

import (
	"context"
	"crypto/rand"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// NewActionID returns a fresh, time-ordered action id.
func NewActionID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Await installs action as the session's pending action and blocks
// until a matching SubmitResponse arrives, the gate timeout elapses or
// ctx is cancelled. A timed-out gate leaves the session in the error
// state and returns ErrGateTimeout.
func (r *Registry) Await(ctx context.Context, id string, action PendingAction) (Response, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r.await(ctx, sess, action)
}

func (r *Registry) await(ctx context.Context, sess *session, action PendingAction) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if action.ID == "" {
		action.ID = NewActionID()
	}

	r.mu.Lock()
	if !r.registered(sess) {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.gate != nil {
		r.mu.Unlock()
		return nil, ErrGateBusy
	}
	g := &gate{actionID: action.ID, responses: make(chan Response, 1)}
	sess.gate = g
	sess.state.PendingAction = action.clone()
	sess.state.Status = StatusWaitingUser
	sess.state.LastActivity = r.clock.Now()
	timer := r.clock.Timer(r.cfg.GateTimeout)
	snapshot := r.stamp(sess)
	r.mu.Unlock()
	defer timer.Stop()

	r.notify(snapshot)

	select {
	case resp := <-g.responses:
		return resp, nil
	case <-timer.C:
		return r.expireGate(sess, g)
	case <-ctx.Done():
		r.abandonGate(sess, g)
		return nil, ctx.Err()
	}
}

func (r *Registry) expireGate(sess *session, g *gate) (Response, error) {
	r.mu.Lock()
	if sess.gate != g {
		// A response won the race with the timer.
		r.mu.Unlock()
		select {
		case resp := <-g.responses:
			return resp, nil
		default:
			return nil, ErrGateTimeout
		}
	}
	sess.gate = nil
	sess.state.PendingAction = nil
	sess.state.Status = StatusError
	sess.state.LastActivity = r.clock.Now()
	snapshot := r.stamp(sess)
	r.mu.Unlock()

	r.logger.Warn("pending action timed out",
		zap.String("session_id", snapshot.SessionID),
		zap.String("action_id", g.actionID),
		zap.Duration("timeout", r.cfg.GateTimeout),
	)
	r.notify(snapshot)
	return nil, ErrGateTimeout
}

func (r *Registry) abandonGate(sess *session, g *gate) {
	r.mu.Lock()
	if sess.gate != g {
		r.mu.Unlock()
		return
	}
	sess.gate = nil
	sess.state.PendingAction = nil
	sess.state.Status = StatusError
	sess.state.LastActivity = r.clock.Now()
	snapshot := r.stamp(sess)
	r.mu.Unlock()

	r.notify(snapshot)
}
