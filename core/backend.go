package core

import "context"

// Capabilities describe what a backend accepts.
type Capabilities struct {
	Text             bool `json:"text"`
	Images           bool `json:"images"`
	ModelSelection   bool `json:"model_selection"`
	PermissionGating bool `json:"permission_gating"`
}

// Image is an input attachment. CLI backends need Path; API backends use Data.
type Image struct {
	Path      string
	MediaType string
	Data      []byte
}

// RunRequest is the input of one backend unit of work.
type RunRequest struct {
	Prompt           string
	WorkingDirectory string
	// ResumeSessionID is empty for a fresh session. It never holds a
	// temporary id.
	ResumeSessionID string
	Model           string
	Images          []Image
	// Gate is nil when no permission gating is wanted.
	Gate PermissionGate
}

// Backend is the uniform contract over a concrete execution engine.
//
// Run streams updates through emit, synchronously and in order, and returns
// the terminal result or a classified failure (see BackendError). Run must
// stop the underlying process or connection promptly once ctx is done.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Run(ctx context.Context, req RunRequest, emit func(StreamUpdate)) (*Result, error)
}
