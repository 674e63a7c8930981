// Package runner executes one agent turn: it drives the backend stream
// through the translator, parks on the pending-action gate when the
// agent asks for permission, delivers outward events and persists the
// transcript.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"agentrelay/internal/backend"
	"agentrelay/internal/registry"
	"agentrelay/internal/transcript"
	"agentrelay/internal/translate"
)

// ErrNoResult is reported when the backend stream ends before a result.
var ErrNoResult = errors.New("agent stream ended without a result")

const (
	eventBuffer  = 64
	flushTimeout = 30 * time.Second

	tracerName = "agentrelay/internal/runner"
)

type Config struct {
	Registry       *registry.Registry
	Backend        backend.Backend
	Store          transcript.Store
	PermissionMode string
	Clock          clock.Clock
	Logger         *zap.Logger

	// TracerProvider receives a chat_request span per turn. It defaults
	// to the global provider.
	TracerProvider trace.TracerProvider
}

type Runner struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = "default"
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger.Named("runner"),
		tracer: cfg.TracerProvider.Tracer(tracerName),
	}
}

// Request is one user turn. A non-empty SessionID resumes that session.
type Request struct {
	Prompt         string
	SessionID      string
	WorkDir        string
	PermissionMode string
}

// Run is a started turn. Events is closed when the turn ends.
type Run struct {
	SessionID string

	events     chan translate.Event
	detached   chan struct{}
	detachOnce sync.Once
}

func (r *Run) Events() <-chan translate.Event {
	return r.events
}

// Detach stops delivery; the turn keeps running and later events are
// dropped.
func (r *Run) Detach() {
	r.detachOnce.Do(func() { close(r.detached) })
}

func (r *Run) emit(events []translate.Event) {
	for _, ev := range events {
		select {
		case r.events <- ev:
		case <-r.detached:
			return
		}
	}
}

// Start registers the turn with the registry and runs it in the
// background. It fails with registry.ErrCapacityExceeded or
// registry.ErrAlreadyRunning without starting anything.
func (r *Runner) Start(req Request) (*Run, error) {
	key := req.SessionID
	if key == "" {
		key = uuid.NewString()
	}
	run := &Run{
		SessionID: key,
		events:    make(chan translate.Event, eventBuffer),
		detached:  make(chan struct{}),
	}
	err := r.cfg.Registry.Start(key, func(ctx context.Context, unit *registry.Unit) {
		defer close(run.events)
		r.execute(ctx, unit, req, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// turn is the state of one execute call.
type turn struct {
	r      *Runner
	unit   *registry.Unit
	run    *Run
	tr     *translate.Translator
	span   trace.Span
	logger *zap.Logger
}

func (r *Runner) execute(ctx context.Context, unit *registry.Unit, req Request, run *Run) {
	key := unit.SessionID()
	resumed := req.SessionID != ""
	logger := r.logger.With(zap.String("session_id", key), zap.Bool("resumed", resumed))

	ctx, span := r.tracer.Start(ctx, "chat_request", trace.WithAttributes(
		attribute.String("session_id", key),
		attribute.Int("message_length", len(req.Prompt)),
		attribute.Bool("resumed", resumed),
	))
	defer span.End()

	t := &turn{
		r:      r,
		unit:   unit,
		run:    run,
		tr:     translate.New(logger),
		span:   span,
		logger: logger,
	}
	acc := transcript.NewAccumulator(r.cfg.Store, logger, r.cfg.Clock)
	acc.RecordUser(req.Prompt)

	mode := req.PermissionMode
	if mode == "" {
		mode = r.cfg.PermissionMode
	}
	breq := backend.Request{
		Prompt:         req.Prompt,
		PermissionMode: mode,
		WorkDir:        req.WorkDir,
	}
	if resumed {
		breq.ResumeID = req.SessionID
	} else {
		breq.SessionID = key
	}

	stream, err := r.cfg.Backend.Open(ctx, breq)
	if err != nil {
		t.fail(ctx, fmt.Errorf("starting agent: %w", err))
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Warn("closing agent stream", zap.Error(err))
		}
	}()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrNoResult
			}
			t.fail(ctx, err)
			return
		}
		if err := ctx.Err(); err != nil {
			// Cancelled or evicted while the event was in flight: the
			// session id may already belong to a newer turn.
			t.fail(ctx, err)
			return
		}

		step := t.tr.Translate(ev)
		if step.Gate != nil {
			if err := t.awaitPermission(ctx, stream, *step.Gate); err != nil {
				t.fail(ctx, err)
				return
			}
		}

		if step.Done {
			acc.RecordAssistant(t.tr.AssistantText())
			persistID := t.tr.SessionID()
			if persistID == "" {
				persistID = key
			}
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			_ = acc.Flush(flushCtx, persistID, resumed)
			cancel()

			status := registry.StatusCompleted
			if res, ok := ev.(backend.Result); ok && res.IsError {
				status = registry.StatusError
				span.SetStatus(codes.Error, "agent reported an error result")
			}
			t.observe(ctx, step.Events)
			unit.UpdateState(registry.StateUpdate{Status: &status})
			run.emit(step.Events)
			logger.Info("agent turn finished", zap.String("status", string(status)))
			return
		}
		t.observe(ctx, step.Events)
		run.emit(step.Events)
	}
}

func (t *turn) fail(ctx context.Context, err error) {
	step := t.tr.Fail(err)
	if ctx.Err() != nil {
		// Cancelled or evicted: the registry already owns the final state.
		t.logger.Info("agent turn cancelled", zap.Error(err))
		t.span.SetAttributes(attribute.Bool("cancelled", true))
	} else {
		t.logger.Error("agent turn failed", zap.Error(err))
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		status := registry.StatusError
		t.unit.UpdateState(registry.StateUpdate{Status: &status})
	}
	t.run.emit(step.Events)
}

func (t *turn) awaitPermission(ctx context.Context, stream backend.Stream, req backend.PermissionRequest) error {
	action := registry.PendingAction{
		ID:          req.RequestID,
		Type:        registry.ActionApprovalRequired,
		Title:       fmt.Sprintf("Allow %s?", req.ToolName),
		Description: describeInput(req.Input),
		Options:     []string{OptionAllow, OptionDeny},
	}
	t.span.AddEvent("permission_requested", trace.WithAttributes(
		attribute.String("tool.name", req.ToolName),
		attribute.String("action.id", req.RequestID),
	))
	resp, err := t.unit.Await(ctx, action)
	if err != nil {
		return err
	}
	decision := ParseDecision(resp)
	if decision.Allow && len(decision.UpdatedInput) == 0 {
		decision.UpdatedInput = req.Input
	}
	t.span.AddEvent("permission_decided", trace.WithAttributes(
		attribute.String("action.id", req.RequestID),
		attribute.Bool("allow", decision.Allow),
	))
	if err := stream.Respond(ctx, req.RequestID, decision); err != nil {
		return fmt.Errorf("answering permission request: %w", err)
	}
	return nil
}

// observe records progress and trace data for outward events.
func (t *turn) observe(ctx context.Context, events []translate.Event) {
	for _, ev := range events {
		switch ev := ev.(type) {
		case translate.SessionInit:
			t.span.SetAttributes(attribute.String("actual_session_id", ev.SessionID))
		case translate.ToolUse:
			note := "Using " + ev.Name
			t.unit.UpdateState(registry.StateUpdate{ProgressMessage: &note})
			_, span := t.r.tracer.Start(ctx, "tool_call:"+ev.Name, trace.WithAttributes(
				attribute.String("tool.name", ev.Name),
				attribute.String("tool.id", ev.ToolID),
			))
			span.End()
		case translate.ToolResult:
			_, span := t.r.tracer.Start(ctx, "tool_result", trace.WithAttributes(
				attribute.String("tool.id", ev.ToolID),
				attribute.Bool("tool.is_error", ev.IsError),
			))
			span.End()
		case translate.Result:
			t.span.SetAttributes(
				attribute.Float64("result.cost_usd", ev.Cost),
				attribute.Int64("result.duration_ms", ev.Duration),
				attribute.Int("result.num_turns", ev.Turns),
			)
		}
	}
}
