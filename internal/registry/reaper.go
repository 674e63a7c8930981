package registry

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func (r *Registry) idleReaper(ticker *clock.Ticker) {
	defer close(r.reaperDone)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.reaperStop:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	now := r.clock.Now()

	type eviction struct {
		state  State
		cancel func()
		idle   time.Duration
	}

	r.mu.Lock()
	var evicted []eviction
	for id, sess := range r.sessions {
		idle := now.Sub(sess.state.LastActivity)
		if idle <= r.cfg.IdleTimeout {
			continue
		}
		delete(r.sessions, id)
		sess.gate = nil
		sess.state.PendingAction = nil
		sess.state.Status = StatusCompleted
		evicted = append(evicted, eviction{state: r.stamp(sess), cancel: sess.cancel, idle: idle})
	}
	live := make(map[string]struct{}, len(r.sessions))
	for id := range r.sessions {
		live[id] = struct{}{}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		if e.cancel != nil {
			e.cancel()
		}
		r.logger.Info("evicted idle session",
			zap.String("session_id", e.state.SessionID),
			zap.Duration("idle", e.idle),
		)
		r.notify(e.state)
	}
	r.forgetPublished(live)
}
