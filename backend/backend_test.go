package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "claude", NormalizeName(""))
	assert.Equal(t, "claude", NormalizeName("  "))
	assert.Equal(t, "codex", NormalizeName(" Codex "))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewMock("claude"), NewMock("codex"))

	b, err := r.Get("CODEX")
	require.NoError(t, err)
	assert.Equal(t, "codex", b.Name())

	_, err = r.Get("gemini")
	assert.ErrorIs(t, err, core.ErrUnknownBackend)

	name, err := r.Resolve("gemini")
	require.NoError(t, err)
	assert.Equal(t, "claude", name)

	assert.Equal(t, []string{"claude", "codex"}, r.Names())

	_, err = NewRegistry(NewMock("codex")).Resolve("gemini")
	assert.ErrorIs(t, err, core.ErrUnknownBackend)
}

func TestMock_DefaultEcho(t *testing.T) {
	m := NewMock("mock")

	var updates []core.StreamUpdate
	res, err := m.Run(context.Background(), core.RunRequest{Prompt: "hi"}, func(u core.StreamUpdate) { updates = append(updates, u) })
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hi", res.Content)
	assert.NotEmpty(t, res.SessionID)
	require.Len(t, updates, 2)
	assert.Equal(t, core.KindAssistantText, updates[0].Kind())
	assert.Equal(t, core.KindFinalResult, updates[1].Kind())

	res, err = m.Run(context.Background(), core.RunRequest{Prompt: "again", ResumeSessionID: "abc"}, func(core.StreamUpdate) {})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.SessionID)
	assert.Len(t, m.Calls(), 2)
}

func TestMock_GateDenial(t *testing.T) {
	m := NewMock("mock", MockStep{Tool: "Bash", ToolInput: map[string]any{"command": "rm -rf /"}})

	gate := func(context.Context, string, map[string]any) (core.Decision, error) { return core.DecisionDeny, nil }
	res, err := m.Run(context.Background(), core.RunRequest{Prompt: "x", Gate: gate}, func(core.StreamUpdate) {})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "denied")
	assert.Empty(t, res.ToolsUsed)
}

func TestMock_DelayCancelled(t *testing.T) {
	m := NewMock("mock", MockStep{Delay: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, core.RunRequest{}, func(core.StreamUpdate) {})
	assert.Equal(t, core.FailureCancelled, core.Classify(err))
}
