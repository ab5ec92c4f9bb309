package core

import "time"

// StreamUpdate is one structured event emitted by a backend while a unit of
// work runs. Concrete update types implement the unexported isUpdate marker,
// which keeps the set closed.
//
// Updates of one unit of work are delivered in emission order; there is no
// ordering across scopes.
type StreamUpdate interface {
	isUpdate()
	// Kind returns a stable tag for logging and rendering.
	Kind() UpdateKind
}

// UpdateKind tags a StreamUpdate variant.
type UpdateKind string

const (
	KindAssistantText     UpdateKind = "assistant_text"
	KindToolCall          UpdateKind = "tool_call"
	KindPermissionRequest UpdateKind = "permission_request"
	KindSystemInfo        UpdateKind = "system_info"
	KindFinalResult       UpdateKind = "final_result"
)

// AssistantText is a chunk of model prose.
type AssistantText struct {
	Text      string
	SessionID string
}

func (AssistantText) isUpdate() {}

// Kind implements StreamUpdate.
func (AssistantText) Kind() UpdateKind { return KindAssistantText }

// ToolCall reports that the backend invoked (or is about to invoke) a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
	// Status is "requested" when the tool is about to run, then "completed"
	// or "failed". Backends may report other terminal statuses verbatim.
	Status string
}

func (ToolCall) isUpdate() {}

// Kind implements StreamUpdate.
func (ToolCall) Kind() UpdateKind { return KindToolCall }

// PermissionRequest announces a suspended tool invocation waiting for a human
// decision. Frontends render it and answer through the permission bridge.
type PermissionRequest struct {
	Request ApprovalRequest
}

func (PermissionRequest) isUpdate() {}

// Kind implements StreamUpdate.
func (PermissionRequest) Kind() UpdateKind { return KindPermissionRequest }

// SystemInfo carries backend metadata such as the resolved model, the tool set
// or the session id issued at start.
type SystemInfo struct {
	Subtype   string
	Message   string
	SessionID string
	Model     string
	Metadata  map[string]any
}

func (SystemInfo) isUpdate() {}

// Kind implements StreamUpdate.
func (SystemInfo) Kind() UpdateKind { return KindSystemInfo }

// FinalResult is the last update of a successful unit of work.
type FinalResult struct {
	Result Result
}

func (FinalResult) isUpdate() {}

// Kind implements StreamUpdate.
func (FinalResult) Kind() UpdateKind { return KindFinalResult }

// ToolUse records one tool invocation for Result.ToolsUsed.
type ToolUse struct {
	Name      string    `json:"name"`
	Command   string    `json:"command,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the terminal outcome of a successful unit of work.
type Result struct {
	Content   string        `json:"content"`
	SessionID string        `json:"session_id"`
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
	Turns     int           `json:"turns"`
	ToolsUsed []ToolUse     `json:"tools_used,omitempty"`
	// Backend is the adapter that produced the result.
	Backend string `json:"backend"`
	// FellBack is set when the result came from the fallback adapter.
	FellBack bool `json:"fell_back,omitempty"`
	Model    string `json:"model,omitempty"`
}
