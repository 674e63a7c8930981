package translate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentrelay/internal/backend"
)

func run(t *testing.T, tr *Translator, raw []backend.Event) []Event {
	t.Helper()
	var out []Event
	for _, ev := range raw {
		out = append(out, tr.Translate(ev).Events...)
	}
	return out
}

func TestHiThereScenario(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	raw := []backend.Event{
		backend.SystemInit{SessionID: "S1"},
		backend.StreamDelta{Kind: backend.DeltaText, Text: "Hi"},
		backend.StreamDelta{Kind: backend.DeltaText, Text: " there"},
		backend.Result{Text: "Hi there", CostUSD: 0.01, NumTurns: 1},
	}

	out := run(t, tr, raw)
	assert.Equal(t, []Event{
		SessionInit{SessionID: "S1"},
		TextDelta{Content: "Hi"},
		TextDelta{Content: " there"},
		Result{Text: "Hi there", Cost: 0.01, Turns: 1},
	}, out)
	assert.Equal(t, "S1", tr.SessionID())
	assert.Equal(t, "Hi there", tr.AssistantText())
	assert.True(t, tr.Terminated())
}

func TestTranslationIsDeterministic(t *testing.T) {
	raw := []backend.Event{
		backend.SystemInit{SessionID: "S1"},
		backend.BlockStart{Kind: backend.BlockToolUse, ID: "toolu_1", Name: "Read"},
		backend.StreamDelta{Kind: backend.DeltaInputJSON, PartialJSON: `{"path":`},
		backend.UserMessage{ToolResults: []backend.ToolResult{{ToolUseID: "toolu_1", Content: json.RawMessage(`"ok"`)}}},
		backend.StreamDelta{Kind: backend.DeltaText, Text: "done"},
		backend.Result{Text: "done", CostUSD: 0.2, DurationMS: 900, NumTurns: 2},
	}

	first := run(t, New(zaptest.NewLogger(t)), raw)
	second := run(t, New(zaptest.NewLogger(t)), raw)
	assert.Equal(t, first, second)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestSessionInitOnce(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	out := run(t, tr, []backend.Event{
		backend.SystemInit{SessionID: "S1"},
		backend.SystemInit{SessionID: "S2"},
		backend.Result{SessionID: "S3"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, SessionInit{SessionID: "S1"}, out[0])
	assert.Equal(t, "S1", tr.SessionID(), "captured id is immutable")
}

func TestSessionInitFromResult(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	out := run(t, tr, []backend.Event{
		backend.StreamDelta{Kind: backend.DeltaText, Text: "x"},
		backend.Result{Text: "x", SessionID: "S9"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, SessionInit{SessionID: "S9"}, out[1])
	assert.IsType(t, Result{}, out[2])
}

func TestNoSessionIDNoInit(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	out := run(t, tr, []backend.Event{
		backend.SystemInit{},
		backend.Result{Text: "x"},
	})
	require.Len(t, out, 1)
	assert.IsType(t, Result{}, out[0])
	assert.Empty(t, tr.SessionID())
}

func TestToolUseInputIsEmpty(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	step := tr.Translate(backend.BlockStart{Kind: backend.BlockToolUse, ID: "toolu_1", Name: "Bash"})
	require.Len(t, step.Events, 1)

	data, err := json.Marshal(step.Events[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","tool_id":"toolu_1","name":"Bash","input":{}}`, string(data))

	assert.Empty(t, tr.Translate(backend.BlockStart{Kind: backend.BlockText}).Events)
	assert.Empty(t, tr.Translate(backend.StreamDelta{Kind: backend.DeltaInputJSON, PartialJSON: "{"}).Events)
}

func TestToolResultTruncation(t *testing.T) {
	long := strings.Repeat("a", 1200)
	content, err := json.Marshal(long)
	require.NoError(t, err)

	tr := New(zaptest.NewLogger(t))
	step := tr.Translate(backend.UserMessage{ToolResults: []backend.ToolResult{
		{ToolUseID: "t1", Content: content, IsError: true},
		{ToolUseID: "t2", Content: json.RawMessage(`"short"`)},
	}})
	require.Len(t, step.Events, 2)

	first := step.Events[0].(ToolResult)
	assert.Len(t, first.Content, MaxToolResultRunes)
	assert.True(t, first.IsError)
	assert.Equal(t, "short", step.Events[1].(ToolResult).Content)
	assert.Len(t, long, 1200, "source content is untouched")
}

func TestTruncateCountsRunes(t *testing.T) {
	s := strings.Repeat("é", 600)
	got := Truncate(s, MaxToolResultRunes)
	assert.Equal(t, MaxToolResultRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "abc", Truncate("abc", 500))
}

func TestFlattenContent(t *testing.T) {
	assert.Equal(t, "plain", FlattenContent(json.RawMessage(`"plain"`)))
	assert.Equal(t, "one\ntwo", FlattenContent(json.RawMessage(`[{"type":"text","text":"one"},{"type":"image"},{"type":"text","text":"two"}]`)))
	assert.Equal(t, `{"k":1}`, FlattenContent(json.RawMessage(`{"k":1}`)))
	assert.Equal(t, "", FlattenContent(nil))
	assert.Equal(t, "", FlattenContent(json.RawMessage(`null`)))
}

func TestPermissionRequestOpensGate(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	req := backend.PermissionRequest{RequestID: "req_1", ToolName: "Bash", Input: json.RawMessage(`{"command":"rm"}`)}
	step := tr.Translate(req)
	assert.Empty(t, step.Events)
	require.NotNil(t, step.Gate)
	assert.Equal(t, req, *step.Gate)
	assert.False(t, step.Done)
}

func TestEventsAfterTerminationAreDiscarded(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	step := tr.Translate(backend.Result{Text: "x"})
	assert.True(t, step.Done)

	late := tr.Translate(backend.StreamDelta{Kind: backend.DeltaText, Text: "late"})
	assert.Empty(t, late.Events)
	assert.True(t, late.Done)
	assert.Empty(t, tr.Fail(errors.New("boom")).Events)
	assert.Empty(t, tr.AssistantText())
}

func TestFailEmitsSingleError(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	tr.Translate(backend.StreamDelta{Kind: backend.DeltaText, Text: "partial"})

	step := tr.Fail(errors.New("backend crashed"))
	require.Len(t, step.Events, 1)
	assert.Equal(t, Error{Message: "backend crashed"}, step.Events[0])
	assert.True(t, step.Done)

	again := tr.Fail(errors.New("second"))
	assert.Empty(t, again.Events)
	assert.Empty(t, tr.Translate(backend.Result{}).Events)
}

func TestUnrecognizedIsIgnored(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	step := tr.Translate(backend.Unrecognized{Type: "assistant"})
	assert.Equal(t, Step{}, step)
}

func TestOutwardJSON(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{SessionInit{SessionID: "S1"}, `{"type":"session_init","session_id":"S1"}`},
		{TextDelta{Content: "Hi"}, `{"type":"text_delta","content":"Hi"}`},
		{ToolResult{ToolID: "t", Content: "c", IsError: false}, `{"type":"tool_result","tool_id":"t","content":"c","is_error":false}`},
		{Result{Text: "Hi there", Cost: 0.01, Duration: 12, Turns: 1}, `{"type":"result","text":"Hi there","cost":0.01,"duration":12,"turns":1}`},
		{Error{Message: "boom"}, `{"type":"error","message":"boom"}`},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.event)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(data), tc.event.Kind())
	}
}
