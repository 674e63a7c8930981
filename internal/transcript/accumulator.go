package transcript

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var errNoEntries = errors.New("no transcript entries to persist")

// Accumulator collects the entries of one run and persists them when
// the run ends.
type Accumulator struct {
	store   Store
	logger  *zap.Logger
	clock   clock.Clock
	entries []Entry
}

func NewAccumulator(store Store, logger *zap.Logger, clk clock.Clock) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Accumulator{store: store, logger: logger, clock: clk}
}

// RecordUser records the prompt. Call it before the backend is invoked.
func (a *Accumulator) RecordUser(prompt string) {
	a.record(EntryUser, prompt)
}

// RecordAssistant records the buffered assistant text; empty text adds
// nothing.
func (a *Accumulator) RecordAssistant(text string) {
	if text == "" {
		return
	}
	a.record(EntryAssistant, text)
}

func (a *Accumulator) record(kind, content string) {
	a.entries = append(a.entries, Entry{
		Type:      kind,
		Message:   Message{Role: kind, Content: content},
		Timestamp: a.clock.Now().UTC(),
	})
}

func (a *Accumulator) Entries() []Entry {
	return append([]Entry(nil), a.entries...)
}

// Flush writes the collected entries under id: Create for a new session,
// Update for a resumed one, after appending to what is already stored.
// Failures are logged; the returned error is informational only.
func (a *Accumulator) Flush(ctx context.Context, id string, resumed bool) error {
	err := a.flush(ctx, id, resumed)
	if err != nil {
		a.logger.Error("failed to persist transcript",
			zap.String("session_id", id),
			zap.Bool("resumed", resumed),
			zap.Error(err),
		)
		return err
	}
	a.logger.Info("saved transcript",
		zap.String("session_id", id),
		zap.Int("entries", len(a.entries)),
	)
	return nil
}

func (a *Accumulator) flush(ctx context.Context, id string, resumed bool) error {
	if a.store == nil {
		return errors.New("no transcript store configured")
	}
	if len(a.entries) == 0 {
		return errNoEntries
	}
	content, err := Encode(a.entries)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	if !resumed {
		if _, err := a.store.Create(ctx, id, content); err != nil {
			return fmt.Errorf("create transcript: %w", err)
		}
		return nil
	}

	existing, err := a.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	if existing != nil {
		content = Append(existing.Content, content)
	}
	if _, err := a.store.Update(ctx, id, content); err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	return nil
}
