// Package codexcli runs units of work through the Codex CLI in
// "exec --json" mode.
package codexcli

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Options configures the Codex CLI adapter.
type Options struct {
	// Path of the codex executable.
	Path string
	// Model is passed to --model when set. Codex does not accept per-request
	// model selection.
	Model string
	// EnableMCP keeps the MCP servers from the Codex config; they are
	// disabled by default.
	EnableMCP bool
	WaitDelay time.Duration
	Logger    logging.Logger
}

// Backend is the Codex CLI adapter.
type Backend struct {
	opts Options
}

var _ core.Backend = (*Backend)(nil)

// New creates a Codex CLI adapter.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{
		Path:   "codex",
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Backend{opts: opts}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return backend.Codex }

// Capabilities implements core.Backend.
func (b *Backend) Capabilities() core.Capabilities {
	return core.Capabilities{Text: true, Images: true}
}

// Run implements core.Backend.
func (b *Backend) Run(ctx context.Context, req core.RunRequest, emit func(core.StreamUpdate)) (*core.Result, error) {
	args, err := b.buildArgs(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	st := &stream{emit: emit, announced: make(map[string]bool)}

	proc := &backend.Process{
		Backend:   backend.Codex,
		Path:      b.opts.Path,
		Args:      args,
		Dir:       req.WorkingDirectory,
		WaitDelay: b.opts.WaitDelay,
		Logger:    b.opts.Logger,
	}

	if _, err := proc.Run(ctx, st.handle); err != nil {
		return nil, err
	}

	return st.result(time.Since(start), b.opts.Model)
}

func (b *Backend) buildArgs(req core.RunRequest) ([]string, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}

	if !b.opts.EnableMCP {
		args = append(args, "-c", "mcp_servers={}")
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}

	images := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		if strings.TrimSpace(img.Path) == "" {
			return nil, core.NewBackendError(core.FailureInvalidArgument, backend.Codex, "image input requires local file paths", nil)
		}
		images = append(images, img.Path)
	}

	prompt := req.Prompt
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
		if strings.TrimSpace(prompt) == "" {
			prompt = "Please continue where we left off"
		}
	}

	for _, p := range images {
		args = append(args, "--image", p)
	}

	if prompt != "" {
		args = append(args, prompt)
	}

	return args, nil
}

type event struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Item     *item           `json:"item"`
	Usage    map[string]any  `json:"usage"`
	Payload  json.RawMessage `json:"payload"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
	Reason   string          `json:"reason"`
	Detail   string          `json:"detail"`

	DurationMS int64 `json:"duration_ms"`
}

type item struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
}

type stream struct {
	emit func(core.StreamUpdate)

	threadID string
	model    string
	texts    []string
	tools    []core.ToolUse
	errors   []string
	final    *event
	failed   *event

	// announced holds command ids already reported as requested.
	announced map[string]bool
}

func (s *stream) handle(line json.RawMessage, _ *backend.Input) error {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return core.NewBackendError(core.FailureDecode, backend.Codex, "malformed stream event", err)
	}

	switch ev.Type {
	case "thread.started":
		s.threadID = strings.TrimSpace(ev.ThreadID)
		s.emit(core.SystemInfo{Subtype: ev.Type, SessionID: s.threadID})
	case "turn_context":
		var payload struct {
			Model string `json:"model"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.Model != "" && payload.Model != s.model {
			s.model = payload.Model
			s.emit(core.SystemInfo{Subtype: "model_resolved", Model: payload.Model, SessionID: s.threadID})
		}
	case "turn.started":
		s.emit(core.SystemInfo{Subtype: ev.Type, Message: "Codex turn started", SessionID: s.threadID})
	case "turn.completed":
		s.final = &ev
		s.emit(core.SystemInfo{Subtype: ev.Type, Message: "Codex turn completed", SessionID: s.threadID, Metadata: map[string]any{"usage": ev.Usage}})
	case "turn.failed":
		s.failed = &ev
	case "error":
		if msg := failureMessage(&ev); msg != "" {
			s.errors = append(s.errors, msg)
		}
	case "item.started", "item.completed":
		s.onItem(ev.Type, ev.Item)
	}

	return nil
}

func (s *stream) onItem(phase string, it *item) {
	if it == nil {
		return
	}

	switch it.Type {
	case "agent_message":
		if phase != "item.completed" {
			return
		}
		if text := strings.TrimSpace(it.Text); text != "" {
			s.texts = append(s.texts, text)
			s.emit(core.AssistantText{Text: text, SessionID: s.threadID})
		}
	case "reasoning":
		if text := condenseReasoning(it.Text, 180); text != "" {
			s.emit(core.SystemInfo{Subtype: "reasoning", Message: text, SessionID: s.threadID})
		}
	case "command_execution":
		input := map[string]any{"command": it.Command}
		if it.ExitCode != nil {
			input["exit_code"] = *it.ExitCode
		}
		if phase == "item.started" || !s.announced[it.ID] {
			s.announced[it.ID] = true
			s.emit(core.ToolCall{ID: it.ID, Name: "Bash", Input: input, Status: "requested"})
		}
		if phase == "item.completed" {
			status := it.Status
			if status == "" {
				status = "completed"
			}
			s.emit(core.ToolCall{ID: it.ID, Name: "Bash", Input: input, Status: status})
			s.tools = append(s.tools, core.ToolUse{Name: "Bash", Command: it.Command, Timestamp: time.Now()})
		}
	}
}

func (s *stream) result(elapsed time.Duration, configuredModel string) (*core.Result, error) {
	if s.failed != nil {
		msg := failureMessage(s.failed)
		if msg == "" && len(s.errors) > 0 {
			msg = s.errors[len(s.errors)-1]
		}
		if msg == "" {
			msg = "Codex request failed."
		}
		return nil, core.NewBackendError(core.FailureProcess, backend.Codex, "turn failed: "+msg, nil)
	}

	if s.final == nil {
		msg := "no result message received"
		if len(s.errors) > 0 {
			msg += ": " + s.errors[len(s.errors)-1]
		}
		return nil, core.NewBackendError(core.FailureDecode, backend.Codex, msg, nil)
	}

	var content string
	if len(s.texts) > 0 {
		content = s.texts[len(s.texts)-1]
	}

	duration := time.Duration(s.final.DurationMS) * time.Millisecond
	if duration == 0 {
		duration = elapsed
	}

	model := s.model
	if model == "" {
		model = configuredModel
	}

	res := &core.Result{
		Content:   content,
		SessionID: s.threadID,
		Duration:  duration,
		Turns:     1,
		ToolsUsed: s.tools,
		Backend:   backend.Codex,
		Model:     model,
	}

	s.emit(core.FinalResult{Result: *res})

	return res, nil
}

// failureMessage extracts readable text from turn.failed or error events.
func failureMessage(ev *event) string {
	if len(ev.Error) > 0 {
		var obj map[string]any
		if json.Unmarshal(ev.Error, &obj) == nil {
			for _, k := range []string{"message", "detail", "details", "error", "code"} {
				if v := strings.TrimSpace(fmt.Sprint(obj[k])); obj[k] != nil && v != "" {
					return v
				}
			}
		} else {
			var str string
			if json.Unmarshal(ev.Error, &str) == nil && strings.TrimSpace(str) != "" {
				return strings.TrimSpace(str)
			}
		}
	}

	for _, v := range []string{ev.Message, ev.Reason, ev.Detail} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}

var (
	boldRe = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeRe = regexp.MustCompile("`([^`]+)`")
)

// condenseReasoning reduces verbose reasoning to a one-line summary.
func condenseReasoning(text string, limit int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return ""
	}

	first := text
	for _, block := range strings.Split(text, "\n\n") {
		if b := strings.TrimSpace(block); b != "" {
			first = b
			break
		}
	}

	first = boldRe.ReplaceAllString(first, "$1")
	first = codeRe.ReplaceAllString(first, "$1")
	first = strings.Join(strings.Fields(first), " ")

	if r := []rune(first); len(r) > limit {
		first = strings.TrimRight(string(r[:limit-3]), " ") + "..."
	}
	return first
}
