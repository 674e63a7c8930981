package translate

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"agentrelay/internal/backend"
)

// MaxToolResultRunes caps the content of an outward tool_result.
const MaxToolResultRunes = 500

// Step is what one backend event produced. Gate is set when the run
// must ask the human before continuing; Done marks the end of the run.
type Step struct {
	Events []Event
	Gate   *backend.PermissionRequest
	Done   bool
}

// Translator holds the per-run state. It is not safe for concurrent
// use; a run feeds it one event at a time.
type Translator struct {
	logger     *zap.Logger
	sessionID  string
	announced  bool
	text       strings.Builder
	terminated bool
}

func New(logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{logger: logger}
}

// SessionID is the backend session id, once captured.
func (t *Translator) SessionID() string { return t.sessionID }

// AssistantText is everything streamed as text_delta so far.
func (t *Translator) AssistantText() string { return t.text.String() }

func (t *Translator) Terminated() bool { return t.terminated }

// Translate applies one backend event.
func (t *Translator) Translate(ev backend.Event) Step {
	if t.terminated {
		return Step{Done: true}
	}

	switch ev := ev.(type) {
	case backend.SystemInit:
		return Step{Events: t.capture(ev.SessionID)}

	case backend.StreamDelta:
		if ev.Kind != backend.DeltaText || ev.Text == "" {
			return Step{}
		}
		t.text.WriteString(ev.Text)
		return Step{Events: []Event{TextDelta{Content: ev.Text}}}

	case backend.BlockStart:
		if ev.Kind != backend.BlockToolUse {
			return Step{}
		}
		return Step{Events: []Event{ToolUse{
			ToolID: ev.ID,
			Name:   ev.Name,
			Input:  json.RawMessage(`{}`),
		}}}

	case backend.UserMessage:
		events := make([]Event, 0, len(ev.ToolResults))
		for _, tr := range ev.ToolResults {
			events = append(events, ToolResult{
				ToolID:  tr.ToolUseID,
				Content: Truncate(FlattenContent(tr.Content), MaxToolResultRunes),
				IsError: tr.IsError,
			})
		}
		return Step{Events: events}

	case backend.Result:
		events := t.capture(ev.SessionID)
		t.terminated = true
		events = append(events, Result{
			Text:     ev.Text,
			Cost:     ev.CostUSD,
			Duration: ev.DurationMS,
			Turns:    ev.NumTurns,
		})
		return Step{Events: events, Done: true}

	case backend.PermissionRequest:
		req := ev
		return Step{Gate: &req}

	case backend.Unrecognized:
		t.logger.Debug("ignoring backend event", zap.String("type", ev.Type))
		return Step{}

	default:
		t.logger.Debug("ignoring backend event", zap.Any("event", ev))
		return Step{}
	}
}

// Fail terminates the run with a single error event.
func (t *Translator) Fail(err error) Step {
	if t.terminated {
		return Step{Done: true}
	}
	t.terminated = true
	return Step{Events: []Event{Error{Message: err.Error()}}, Done: true}
}

func (t *Translator) capture(id string) []Event {
	if id == "" || t.announced {
		return nil
	}
	t.sessionID = id
	t.announced = true
	return []Event{SessionInit{SessionID: id}}
}

// FlattenContent renders tool-result content as text: a JSON string is
// used as is, text blocks are joined by newlines, anything else is
// passed through as raw JSON.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
