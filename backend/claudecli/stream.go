package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
)

type event struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`

	// system/init
	Model          string   `json:"model"`
	Tools          []string `json:"tools"`
	Cwd            string   `json:"cwd"`
	PermissionMode string   `json:"permissionMode"`

	// result
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`

	// control_request
	RequestID string          `json:"request_id"`
	Request   *controlRequest `json:"request"`
}

type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

func newUserMessage(prompt string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
}

// stream folds the CLI events of one run into updates and a result.
type stream struct {
	ctx  context.Context
	gate core.PermissionGate
	emit func(core.StreamUpdate)

	sessionID      string
	model          string
	texts          []string
	localOutputs   []string
	tools          []core.ToolUse
	toolNames      map[string]string
	final          *event
	lastErrMessage string
}

func newStream(ctx context.Context, gate core.PermissionGate, emit func(core.StreamUpdate)) *stream {
	return &stream{ctx: ctx, gate: gate, emit: emit, toolNames: map[string]string{}}
}

func (s *stream) handle(line json.RawMessage, in *backend.Input) error {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return core.NewBackendError(core.FailureDecode, backend.Claude, "malformed stream event", err)
	}

	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "system":
		s.onSystem(&ev)
	case "assistant":
		return s.onAssistant(&ev)
	case "user":
		return s.onUser(&ev)
	case "control_request":
		return s.onControlRequest(&ev, in)
	case "error":
		var m struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(line, &m)
		s.lastErrMessage = firstNonEmpty(m.Message, m.Error)
		s.emit(core.SystemInfo{Subtype: "error", Message: s.lastErrMessage, SessionID: s.sessionID})
	case "result":
		s.final = &ev
		// Bidirectional mode keeps the CLI alive until input ends.
		return in.Close()
	}

	return nil
}

func (s *stream) onSystem(ev *event) {
	if ev.Subtype != "init" {
		var text string
		_ = json.Unmarshal(ev.Message, &text)
		s.emit(core.SystemInfo{Subtype: ev.Subtype, Message: text, SessionID: s.sessionID})
		return
	}

	s.model = ev.Model
	s.emit(core.SystemInfo{
		Subtype:   "init",
		SessionID: ev.SessionID,
		Model:     ev.Model,
		Metadata: map[string]any{
			"tools":           ev.Tools,
			"cwd":             ev.Cwd,
			"permission_mode": ev.PermissionMode,
		},
	})
}

func (s *stream) onAssistant(ev *event) error {
	blocks, err := decodeBlocks(ev.Message)
	if err != nil {
		return err
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				texts = append(texts, b.Text)
				s.texts = append(s.texts, t)
			}
		case "tool_use":
			s.toolNames[b.ID] = b.Name
			use := core.ToolUse{Name: b.Name, Timestamp: time.Now()}
			if cmd, ok := b.Input["command"].(string); ok {
				use.Command = cmd
			}
			s.tools = append(s.tools, use)
			s.emit(core.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input, Status: "requested"})
		}
	}

	if len(texts) > 0 {
		s.emit(core.AssistantText{Text: strings.Join(texts, "\n"), SessionID: s.sessionID})
	}

	return nil
}

func (s *stream) onUser(ev *event) error {
	var m message
	if len(ev.Message) > 0 {
		if err := json.Unmarshal(ev.Message, &m); err != nil {
			return core.NewBackendError(core.FailureDecode, backend.Claude, "malformed user message", err)
		}
	}

	var str string
	if json.Unmarshal(m.Content, &str) == nil {
		if out := localCommandOutput(str); out != "" {
			s.localOutputs = append(s.localOutputs, out)
		}
		return nil
	}

	var blocks []block
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_result":
			status := "completed"
			if b.IsError {
				status = "failed"
			}
			s.emit(core.ToolCall{ID: b.ToolUseID, Name: s.toolNames[b.ToolUseID], Status: status})
		}
	}
	if out := localCommandOutput(strings.Join(texts, "\n")); out != "" {
		s.localOutputs = append(s.localOutputs, out)
	}

	return nil
}

func (s *stream) onControlRequest(ev *event, in *backend.Input) error {
	if ev.Request == nil || ev.Request.Subtype != "can_use_tool" {
		return in.Send(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": ev.RequestID,
				"error":      "unsupported control request",
			},
		})
	}

	decision := core.DecisionDeny
	if s.gate != nil {
		d, err := s.gate(s.ctx, ev.Request.ToolName, ev.Request.Input)
		if err != nil {
			return err
		}
		decision = d
	}

	var body map[string]any
	if decision.Allowed() {
		input := ev.Request.Input
		if input == nil {
			input = map[string]any{}
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else {
		body = map[string]any{
			"behavior": "deny",
			"message":  fmt.Sprintf("The user denied permission to use %s.", ev.Request.ToolName),
		}
	}

	return in.Send(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": ev.RequestID,
			"response":   body,
		},
	})
}

func (s *stream) result(elapsed time.Duration, requestedModel string) (*core.Result, error) {
	if s.final == nil {
		msg := "no result message received"
		if s.lastErrMessage != "" {
			msg += ": " + s.lastErrMessage
		}
		return nil, core.NewBackendError(core.FailureDecode, backend.Claude, msg, nil)
	}

	if s.final.IsError {
		text := firstNonEmpty(s.final.Result, s.lastErrMessage, s.final.Subtype)
		if strings.Contains(strings.ToLower(text), "no conversation found") {
			return nil, core.NewBackendError(core.FailureSessionNotFound, backend.Claude, "session not found", nil)
		}
		return nil, core.NewBackendError(core.FailureProcess, backend.Claude, text, nil)
	}

	content := s.final.Result
	if content == "" && len(s.texts) > 0 {
		content = s.texts[len(s.texts)-1]
	}
	if content == "" && len(s.localOutputs) > 0 {
		content = s.localOutputs[len(s.localOutputs)-1]
	}

	duration := time.Duration(s.final.DurationMS) * time.Millisecond
	if duration == 0 {
		duration = elapsed
	}

	res := &core.Result{
		Content:   content,
		SessionID: s.sessionID,
		Cost:      s.final.TotalCostUSD,
		Duration:  duration,
		Turns:     s.final.NumTurns,
		ToolsUsed: s.tools,
		Backend:   backend.Claude,
		Model:     firstNonEmpty(s.model, requestedModel),
	}

	s.emit(core.FinalResult{Result: *res})

	return res, nil
}

func decodeBlocks(raw json.RawMessage) ([]block, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, core.NewBackendError(core.FailureDecode, backend.Claude, "malformed assistant message", err)
	}
	var blocks []block
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, core.NewBackendError(core.FailureDecode, backend.Claude, "malformed content blocks", err)
	}
	return blocks, nil
}

var localCommandRe = regexp.MustCompile(`(?is)<local-command-(?:stdout|stderr)>(.*?)</local-command-(?:stdout|stderr)>`)

// localCommandOutput extracts the payload slash commands like /context
// replay into the transcript.
func localCommandOutput(text string) string {
	matches := localCommandRe.FindAllStringSubmatch(text, -1)
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
