// Package registry tracks live agent sessions: it enforces the
// concurrency ceiling, owns the single pending-action gate of each
// session and reaps sessions that have gone idle.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrCapacityExceeded = errors.New("maximum concurrent sessions reached")
	ErrAlreadyRunning   = errors.New("session already has a running task")
	ErrSessionNotFound  = errors.New("session not found")
	ErrGateBusy         = errors.New("session already has an open pending action")
	ErrGateTimeout      = errors.New("timed out waiting for user response")
	ErrClosed           = errors.New("registry is shut down")
)

const (
	DefaultMaxSessions  = 10
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapInterval = 60 * time.Second
	DefaultGateTimeout  = 1800 * time.Second
)

type Config struct {
	MaxSessions  int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	GateTimeout  time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	// OnChange is called, outside the registry lock, after every state
	// transition. Calls are serialized. A state overtaken by a later
	// transition of the same session is dropped rather than delivered
	// late, so the last call for a session always carries its latest
	// state.
	OnChange func(State)
}

type session struct {
	state   State
	cancel  context.CancelFunc
	running bool
	gate    *gate
}

type gate struct {
	actionID  string
	responses chan Response
}

// Registry is safe for concurrent use. Construct it once at boot with
// New and release it with Shutdown.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	seq      uint64

	notifyMu  sync.Mutex
	published map[string]uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	units      sync.WaitGroup

	reaperStop chan struct{}
	reaperDone chan struct{}
	stopOnce   sync.Once
}

// New builds a registry and starts its idle reaper.
func New(cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = DefaultGateTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("registry"),
		sessions:   map[string]*session{},
		published:  map[string]uint64{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	ticker := r.clock.Ticker(cfg.ReapInterval)
	go r.idleReaper(ticker)
	return r
}

// CreateOrGet returns the session with the given id, creating it in the
// idle state when absent.
func (r *Registry) CreateOrGet(id string) (State, error) {
	r.mu.Lock()
	sess, created, err := r.createOrGetLocked(id)
	if err != nil {
		r.mu.Unlock()
		return State{}, err
	}
	snapshot := sess.snapshot()
	if created {
		snapshot = r.stamp(sess)
	}
	r.mu.Unlock()

	if created {
		r.notify(snapshot)
	}
	return snapshot, nil
}

func (r *Registry) createOrGetLocked(id string) (*session, bool, error) {
	if r.closed {
		return nil, false, ErrClosed
	}
	if sess, ok := r.sessions[id]; ok {
		return sess, false, nil
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, false, ErrCapacityExceeded
	}
	sess := &session{state: State{
		SessionID:    id,
		Status:       StatusIdle,
		LastActivity: r.clock.Now(),
	}}
	r.sessions[id] = sess
	return sess, true, nil
}

// Unit is the handle a running task uses to report on its own session.
// It stays bound to the session it was started for: once that session
// is cancelled or evicted its methods fail, even when a new session has
// since been registered under the same id.
type Unit struct {
	r    *Registry
	sess *session
	id   string
}

func (u *Unit) SessionID() string { return u.id }

// UpdateState is Registry.UpdateState for the unit's own session.
func (u *Unit) UpdateState(update StateUpdate) bool {
	return u.r.updateState(u.sess, update)
}

// Await is Registry.Await for the unit's own session.
func (u *Unit) Await(ctx context.Context, action PendingAction) (Response, error) {
	return u.r.await(ctx, u.sess, action)
}

// Start marks the session running and executes work in its own
// goroutine. The context passed to work is cancelled by Cancel, by idle
// eviction and by Shutdown.
func (r *Registry) Start(id string, work func(ctx context.Context, u *Unit)) error {
	r.mu.Lock()
	sess, _, err := r.createOrGetLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if sess.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	sess.cancel = cancel
	sess.running = true
	sess.state.Status = StatusRunning
	sess.state.LastActivity = r.clock.Now()
	snapshot := r.stamp(sess)
	r.units.Add(1)
	r.mu.Unlock()

	r.notify(snapshot)

	u := &Unit{r: r, sess: sess, id: id}
	go func() {
		defer r.units.Done()
		defer cancel()
		defer r.finish(sess)
		work(ctx, u)
	}()
	return nil
}

func (r *Registry) finish(sess *session) {
	r.mu.Lock()
	sess.running = false
	sess.cancel = nil
	r.mu.Unlock()
}

// registered reports whether sess is still the live session for its
// id. Callers hold r.mu.
func (r *Registry) registered(sess *session) bool {
	return r.sessions[sess.state.SessionID] == sess
}

// Cancel stops the session's running task, marks it completed and
// removes it from the registry. It reports false for unknown ids.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	cancel := sess.cancel
	sess.gate = nil
	sess.state.PendingAction = nil
	sess.state.Status = StatusCompleted
	sess.state.LastActivity = r.clock.Now()
	snapshot := r.stamp(sess)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.notify(snapshot)
	return true
}

// SubmitResponse hands a human response to the session's open gate. It
// reports false, without side effects, when the session is unknown, has
// no open action, or actionID does not name the open action.
func (r *Registry) SubmitResponse(id, actionID string, response Response) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.gate == nil || sess.gate.actionID != actionID {
		r.mu.Unlock()
		return false
	}
	g := sess.gate
	sess.gate = nil
	sess.state.PendingAction = nil
	sess.state.Status = StatusRunning
	sess.state.LastActivity = r.clock.Now()
	g.responses <- response
	snapshot := r.stamp(sess)
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// UpdateState applies a partial update and refreshes the activity time.
// It reports false when the session is unknown or the update would
// break the rule that only a session with an open gate is waiting on
// the user.
func (r *Registry) UpdateState(id string, update StateUpdate) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.updateState(sess, update)
}

func (r *Registry) updateState(sess *session, update StateUpdate) bool {
	r.mu.Lock()
	if !r.registered(sess) {
		r.mu.Unlock()
		return false
	}
	if update.Status != nil {
		if *update.Status == StatusWaitingUser || sess.gate != nil {
			r.mu.Unlock()
			return false
		}
		sess.state.Status = *update.Status
	}
	if update.ProgressMessage != nil {
		sess.state.ProgressMessage = *update.ProgressMessage
	}
	sess.state.LastActivity = r.clock.Now()
	snapshot := r.stamp(sess)
	r.mu.Unlock()

	r.notify(snapshot)
	return true
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return State{}, false
	}
	return sess.snapshot(), true
}

// List returns snapshots of every session ordered by id.
func (r *Registry) List() []State {
	r.mu.Lock()
	states := make([]State, 0, len(r.sessions))
	for _, sess := range r.sessions {
		states = append(states, sess.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].SessionID < states[j].SessionID
	})
	return states
}

// ListFor returns snapshots for the given ids, in the order given,
// skipping ids that are not registered.
func (r *Registry) ListFor(ids []string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.FilterMap(ids, func(id string, _ int) (State, bool) {
		sess, ok := r.sessions[id]
		if !ok {
			return State{}, false
		}
		return sess.snapshot(), true
	})
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown cancels every session, stops the reaper and waits for all
// running tasks to return or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		evicted := make([]State, 0, len(r.sessions))
		for id, sess := range r.sessions {
			sess.gate = nil
			sess.state.PendingAction = nil
			sess.state.Status = StatusCompleted
			evicted = append(evicted, r.stamp(sess))
			delete(r.sessions, id)
		}
		r.mu.Unlock()

		close(r.reaperStop)
		r.baseCancel()
		for _, state := range evicted {
			r.notify(state)
		}
	})

	done := make(chan struct{})
	go func() {
		<-r.reaperDone
		r.units.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) snapshot() State {
	state := s.state
	if state.PendingAction != nil {
		state.PendingAction = state.PendingAction.clone()
	}
	return state
}

// stamp gives the session's state the next sequence number and returns
// a snapshot of it. Callers hold r.mu.
func (r *Registry) stamp(sess *session) State {
	r.seq++
	sess.state.Seq = r.seq
	return sess.snapshot()
}

func (r *Registry) notify(state State) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if state.Seq <= r.published[state.SessionID] {
		r.logger.Debug("dropped superseded session state",
			zap.String("session_id", state.SessionID),
			zap.String("status", string(state.Status)),
			zap.Uint64("seq", state.Seq),
		)
		return
	}
	r.published[state.SessionID] = state.Seq

	if !state.consistent() {
		r.logger.Error("session state violates waiting-user invariant",
			zap.String("session_id", state.SessionID),
			zap.String("status", string(state.Status)),
		)
	}
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(state)
	}
}

// forgetPublished drops the delivery watermark of sessions that are no
// longer registered.
func (r *Registry) forgetPublished(live map[string]struct{}) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for id := range r.published {
		if _, ok := live[id]; !ok {
			delete(r.published, id)
		}
	}
}
