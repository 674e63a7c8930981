package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"agentrelay/internal/config"
)

func TestDisabledProviderRecordsNothing(t *testing.T) {
	p, err := New(config.TracingConfig{}, "dev")
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "chat_request")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansAreWrittenToOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.jsonl")
	p, err := New(config.TracingConfig{Enabled: true, Output: out, ServiceName: "relay-test"}, "1.2.3")
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "chat_request")
	assert.True(t, span.IsRecording())
	span.SetAttributes(attribute.String("session_id", "S1"))
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"Name":"chat_request"`)
	assert.Contains(t, string(raw), `"S1"`)
	assert.Contains(t, string(raw), `"relay-test"`)
}

func TestBadOutputPath(t *testing.T) {
	_, err := New(config.TracingConfig{
		Enabled: true,
		Output:  filepath.Join(t.TempDir(), "missing", "spans.jsonl"),
	}, "dev")
	require.Error(t, err)
}
