package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentrelay/internal/config"
	"agentrelay/internal/storage"
	"agentrelay/internal/transcript"
)

func testGlobals(t *testing.T) (*Globals, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "transcripts")
	var out bytes.Buffer
	return &Globals{Config: cfg, Logger: zaptest.NewLogger(t), Stdout: &out}, &out
}

func seed(t *testing.T, g *Globals, id, prompt, reply string) {
	t.Helper()
	content, err := transcript.Encode([]transcript.Entry{
		{Type: transcript.EntryUser, Message: transcript.Message{Role: "user", Content: prompt}, Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Type: transcript.EntryAssistant, Message: transcript.Message{Role: "assistant", Content: reply}, Timestamp: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)},
	})
	require.NoError(t, err)
	_, err = storage.NewLocal(g.Config.Storage.Dir, g.Logger).Create(context.Background(), id, content)
	require.NoError(t, err)
}

func TestParseCommands(t *testing.T) {
	var c CLI
	parser, err := kong.New(&c, kong.Name("agentrelay"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"serve", "--port", "9000", "--allow-cidr", "10.0.0.0/8", "--allow-cidr", "192.168.0.0/16", "--base-path", "/relay"})
	require.NoError(t, err)
	assert.Equal(t, "serve", ctx.Command())
	assert.Equal(t, 9000, c.Serve.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, c.Serve.AllowCIDR)

	ctx, err = parser.Parse([]string{"sessions", "show", "abc", "--json"})
	require.NoError(t, err)
	assert.Equal(t, "sessions show <id>", ctx.Command())
	assert.Equal(t, "abc", c.Sessions.Show.ID)
	assert.True(t, c.Sessions.Show.JSON)
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AllowCIDRs = []string{"10.0.0.0/8"}

	cmd := ServeCmd{Port: 8080, AllowCIDR: []string{"100.64.0.0/10"}, BasePath: "/relay", Tracing: true}
	cmd.apply(cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Bind, "unset flags keep the loaded value")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "100.64.0.0/10"}, cfg.Server.AllowCIDRs)
	assert.Equal(t, "/relay", cfg.Server.BasePath)
	assert.True(t, cfg.Tracing.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestVersion(t *testing.T) {
	g, out := testGlobals(t)
	require.NoError(t, (&VersionCmd{}).Run(g))
	assert.Equal(t, "agentrelay dev\n", out.String())
}

func TestSessionsListJSONWhenNotATerminal(t *testing.T) {
	g, out := testGlobals(t)
	seed(t, g, "s-1", "Refactor the parser", "Done.")

	require.NoError(t, (&SessionsListCmd{}).Run(g))
	var infos []transcript.SessionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "s-1", infos[0].SessionID)
	assert.Equal(t, "Refactor the parser", infos[0].Title)
}

func TestSessionsTable(t *testing.T) {
	var out bytes.Buffer
	writeSessionsTable(&out, []transcript.SessionInfo{{
		SessionID:  "s-1",
		Title:      "Refactor the parser",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ModifiedAt: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}})
	assert.Contains(t, out.String(), "Session ID")
	assert.Contains(t, out.String(), "s-1")
	assert.Contains(t, out.String(), "Refactor the parser")

	out.Reset()
	writeSessionsTable(&out, nil)
	assert.Contains(t, out.String(), "(no sessions)")
}

func TestSessionsShowAndDelete(t *testing.T) {
	g, out := testGlobals(t)
	seed(t, g, "s-1", "Refactor the parser", "Done.")

	require.NoError(t, (&SessionsShowCmd{ID: "s-1"}).Run(g))
	assert.Equal(t, "# Refactor the parser (s-1)\n\n[user]\nRefactor the parser\n\n[assistant]\nDone.\n", out.String())

	out.Reset()
	require.NoError(t, (&SessionsDeleteCmd{ID: "s-1"}).Run(g))
	assert.Equal(t, "deleted s-1\n", out.String())

	err := (&SessionsShowCmd{ID: "s-1"}).Run(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	require.Error(t, (&SessionsDeleteCmd{ID: "s-1"}).Run(g))
}
