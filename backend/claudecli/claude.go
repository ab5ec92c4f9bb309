// Package claudecli runs units of work through the Claude Code CLI.
//
// Plain runs use print mode with stream-json output. When a permission gate
// is attached the CLI runs in bidirectional stream-json mode: the prompt is
// written to stdin and every can_use_tool control request is answered after
// the gate decides, so a denial reaches the model as a refused tool call
// instead of aborting the run.
package claudecli

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Options configures the Claude CLI adapter.
type Options struct {
	// Path of the claude executable.
	Path     string
	MaxTurns int
	// AllowedTools are passed to --allowedTools; the CLI runs them without
	// asking.
	AllowedTools []string
	// DisallowedTools are passed to --disallowedTools.
	DisallowedTools []string
	// MCPConfigPath enables MCP servers from the given config file.
	MCPConfigPath string
	// DisableGating forces print mode even when a gate is supplied.
	DisableGating bool
	WaitDelay     time.Duration
	Logger        logging.Logger
}

// Backend is the Claude Code CLI adapter.
type Backend struct {
	opts   Options
	logger logging.Logger
}

var _ core.Backend = (*Backend)(nil)

// New creates a Claude CLI adapter.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{
		Path:     "claude",
		MaxTurns: 10,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Backend{opts: opts, logger: opts.Logger}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return backend.Claude }

// Capabilities implements core.Backend.
func (b *Backend) Capabilities() core.Capabilities {
	return core.Capabilities{
		Text:             true,
		ModelSelection:   true,
		PermissionGating: !b.opts.DisableGating,
	}
}

// Run implements core.Backend.
func (b *Backend) Run(ctx context.Context, req core.RunRequest, emit func(core.StreamUpdate)) (*core.Result, error) {
	if len(req.Images) > 0 {
		return nil, core.NewBackendError(core.FailureInvalidArgument, backend.Claude, "image input is not supported", nil)
	}

	gated := req.Gate != nil && !b.opts.DisableGating
	start := time.Now()

	proc := &backend.Process{
		Backend:     backend.Claude,
		Path:        b.opts.Path,
		Args:        b.buildArgs(req, gated),
		Dir:         req.WorkingDirectory,
		Interactive: gated,
		WaitDelay:   b.opts.WaitDelay,
		Logger:      b.logger,
	}
	if gated {
		proc.InitialInput = []any{newUserMessage(req.Prompt)}
	}

	st := newStream(ctx, req.Gate, emit)

	if _, err := proc.Run(ctx, st.handle); err != nil {
		return nil, err
	}

	return st.result(time.Since(start), req.Model)
}

// buildArgs renders the CLI argv.
func (b *Backend) buildArgs(req core.RunRequest, gated bool) []string {
	var args []string

	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}

	if gated {
		args = append(args, "--input-format", "stream-json", "--permission-prompt-tool", "stdio")
	} else {
		args = append(args, "-p", req.Prompt)
	}

	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(b.opts.MaxTurns),
	)

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(b.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(b.opts.AllowedTools, ","))
	}
	if len(b.opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(b.opts.DisallowedTools, ","))
	}
	if b.opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", b.opts.MCPConfigPath)
	}

	return args
}
