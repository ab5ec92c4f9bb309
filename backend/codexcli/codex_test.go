//go:build unix

package codexcli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func fakeCLI(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "codex")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + filepath.Join(dir, "args.txt") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, dir
}

func readArgs(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRun_Success(t *testing.T) {
	path, dir := fakeCLI(t, `
echo 'WARNING: proceeding'
echo '{"type":"thread.started","thread_id":"th-1"}'
echo '{"type":"turn_context","payload":{"model":"gpt-5-codex"}}'
echo '{"type":"turn.started"}'
printf '%s\n' '{"type":"item.completed","item":{"id":"i0","type":"reasoning","text":"**Planning** the listing\n\nmore detail"}}'
echo '{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"ls","status":"completed","exit_code":0}}'
echo '{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"Found a.go"}}'
echo '{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":3}}'
`)

	var updates []core.StreamUpdate
	res, err := New(func(o *Options) { o.Path = path }).Run(context.Background(), core.RunRequest{
		Prompt:           "list files",
		WorkingDirectory: dir,
		ResumeSessionID:  "th-0",
		Images:           []core.Image{{Path: "/tmp/a.png"}},
	}, func(u core.StreamUpdate) { updates = append(updates, u) })
	require.NoError(t, err)

	assert.Equal(t, "Found a.go", res.Content)
	assert.Equal(t, "th-1", res.SessionID)
	assert.Equal(t, "gpt-5-codex", res.Model)
	assert.Equal(t, 1, res.Turns)
	assert.Zero(t, res.Cost)
	require.Len(t, res.ToolsUsed, 1)
	assert.Equal(t, "Bash", res.ToolsUsed[0].Name)
	assert.Equal(t, "ls", res.ToolsUsed[0].Command)

	assert.Equal(t, []string{
		"exec", "--json", "--skip-git-repo-check", "-c", "mcp_servers={}",
		"resume", "th-0", "--image", "/tmp/a.png", "list files",
	}, readArgs(t, dir))

	var reasoning core.SystemInfo
	for _, u := range updates {
		if si, ok := u.(core.SystemInfo); ok && si.Subtype == "reasoning" {
			reasoning = si
		}
	}
	assert.Equal(t, "Planning the listing", reasoning.Message)
	assert.Equal(t, core.KindFinalResult, updates[len(updates)-1].Kind())

	var statuses []string
	for _, u := range updates {
		if tc, ok := u.(core.ToolCall); ok {
			statuses = append(statuses, tc.Status)
		}
	}
	assert.Equal(t, []string{"requested", "completed"}, statuses)
}

func TestRun_TurnFailed(t *testing.T) {
	path, dir := fakeCLI(t, `
echo '{"type":"thread.started","thread_id":"th-1"}'
echo '{"type":"error","message":"stream disconnected"}'
echo '{"type":"turn.failed","error":{"message":"model overloaded"}}'
`)

	_, err := New(func(o *Options) { o.Path = path }).Run(context.Background(), core.RunRequest{Prompt: "x", WorkingDirectory: dir}, func(core.StreamUpdate) {})
	var be *core.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, core.FailureProcess, be.Class)
	assert.Contains(t, be.Message, "model overloaded")
}

func TestRun_TurnFailedFallsBackToErrorEvent(t *testing.T) {
	path, dir := fakeCLI(t, `
echo '{"type":"error","message":"stream disconnected"}'
echo '{"type":"turn.failed"}'
`)

	_, err := New(func(o *Options) { o.Path = path }).Run(context.Background(), core.RunRequest{Prompt: "x", WorkingDirectory: dir}, func(core.StreamUpdate) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream disconnected")
}

func TestRun_MissingResult(t *testing.T) {
	path, dir := fakeCLI(t, `echo '{"type":"thread.started","thread_id":"th-1"}'`)

	_, err := New(func(o *Options) { o.Path = path }).Run(context.Background(), core.RunRequest{Prompt: "x", WorkingDirectory: dir}, func(core.StreamUpdate) {})
	assert.Equal(t, core.FailureDecode, core.Classify(err))
}

func TestBuildArgs(t *testing.T) {
	b := New(func(o *Options) {
		o.Model = "o4-mini"
		o.EnableMCP = true
	})

	args, err := b.buildArgs(core.RunRequest{ResumeSessionID: "th-9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"exec", "--json", "--skip-git-repo-check", "--model", "o4-mini", "resume", "th-9", "Please continue where we left off"}, args)

	_, err = b.buildArgs(core.RunRequest{Prompt: "x", Images: []core.Image{{Data: []byte{1}}}})
	assert.Equal(t, core.FailureInvalidArgument, core.Classify(err))
}

func TestCondenseReasoning(t *testing.T) {
	assert.Equal(t, "Use go test", condenseReasoning("Use `go test`\n\nsecond", 180))
	assert.Equal(t, "", condenseReasoning("  ", 180))
	long := condenseReasoning(strings.Repeat("word ", 100), 20)
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.LessOrEqual(t, len([]rune(long)), 20)
}
