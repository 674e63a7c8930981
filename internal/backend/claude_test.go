package backend

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCLI is a stand-in for the claude binary. It records the prompt and
// the permission reply, then finishes the turn.
const fakeCLI = `#!/bin/sh
read -r prompt
printf '%s\n' "$prompt" > "$RECORD_DIR/prompt"
echo "starting" >&2
echo '{"type":"system","subtype":"init","session_id":"S1"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}}'
echo '{"type":"control_request","request_id":"req_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'
read -r reply
printf '%s\n' "$reply" > "$RECORD_DIR/reply"
echo '{"type":"result","subtype":"success","result":"Hi","total_cost_usd":0.01,"duration_ms":5,"num_turns":1,"session_id":"S1"}'
`

func writeFakeCLI(t *testing.T) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte(fakeCLI), 0o755))
	records := filepath.Join(dir, "records")
	require.NoError(t, os.Mkdir(records, 0o755))
	return bin, records
}

// replayCLI answers any prompt by printing the recorded turn in
// $RECORD_DIR/turn.jsonl.
const replayCLI = `#!/bin/sh
read -r prompt
cat "$RECORD_DIR/turn.jsonl"
`

// writeReplayCLI installs replayCLI with lines as its recorded turn and
// returns the binary path and its record dir.
func writeReplayCLI(t *testing.T, lines ...string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(bin, []byte(replayCLI), 0o755))
	records := filepath.Join(dir, "records")
	require.NoError(t, os.Mkdir(records, 0o755))
	turn := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(records, "turn.jsonl"), []byte(turn), 0o644))
	return bin, records
}

func TestClaudeReadsMultiMegabyteLines(t *testing.T) {
	big := strings.Repeat("x", 2*1024*1024)
	bin, records := writeReplayCLI(t,
		`{"type":"system","subtype":"init","session_id":"S1"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"`+big+`"}]}}`,
		`{"type":"result","subtype":"success","result":"read it","session_id":"S1"}`,
	)
	c := &Claude{Binary: bin, ExtraEnv: []string{"RECORD_DIR=" + records}, Logger: zaptest.NewLogger(t)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := c.Open(ctx, Request{Prompt: "cat the log"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	msg, ok := ev.(UserMessage)
	require.True(t, ok, "got %T", ev)
	require.Len(t, msg.ToolResults, 1)
	var content string
	require.NoError(t, json.Unmarshal(msg.ToolResults[0].Content, &content))
	assert.Len(t, content, len(big))

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.IsType(t, Result{}, ev)
}

func TestClaudeStreamRoundTrip(t *testing.T) {
	bin, records := writeFakeCLI(t)
	c := &Claude{
		Binary:   bin,
		ExtraEnv: []string{"RECORD_DIR=" + records},
		Logger:   zaptest.NewLogger(t),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := c.Open(ctx, Request{Prompt: "say hi", WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, SystemInit{SessionID: "S1"}, ev)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StreamDelta{Kind: DeltaText, Text: "Hi"}, ev)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	perm, ok := ev.(PermissionRequest)
	require.True(t, ok)
	require.NoError(t, stream.Respond(ctx, perm.RequestID, Decision{Allow: true, UpdatedInput: perm.Input}))

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	result, ok := ev.(Result)
	require.True(t, ok)
	assert.Equal(t, "Hi", result.Text)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, stream.Close())

	prompt, err := os.ReadFile(filepath.Join(records, "prompt"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"say hi"}}`, string(prompt))

	reply, err := os.ReadFile(filepath.Join(records, "reply"))
	require.NoError(t, err)
	var control struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string          `json:"subtype"`
			RequestID string          `json:"request_id"`
			Response  json.RawMessage `json:"response"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(reply, &control))
	assert.Equal(t, "control_response", control.Type)
	assert.Equal(t, "req_1", control.Response.RequestID)
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{"command":"ls"}}`, string(control.Response.Response))
}

func TestClaudeNextHonoursContext(t *testing.T) {
	bin, records := writeFakeCLI(t)
	c := &Claude{Binary: bin, ExtraEnv: []string{"RECORD_DIR=" + records}}

	stream, err := c.Open(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	// Drain up to the permission request; the script then blocks on stdin.
	for i := 0; i < 3; i++ {
		_, err := stream.Next(context.Background())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaudeOpenMissingBinary(t *testing.T) {
	c := &Claude{Binary: filepath.Join(t.TempDir(), "does-not-exist")}
	_, err := c.Open(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
}
