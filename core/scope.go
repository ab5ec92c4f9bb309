package core

import "fmt"

// ScopeKey identifies an isolation domain for conversation state: one user in
// one conversation, optionally narrowed to a sub-thread. The zero ThreadID
// means the scope has no sub-thread.
type ScopeKey struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// NewScopeKey constructs a ScopeKey. An empty chat id defaults to the user id
// which matches private one-to-one conversations.
func NewScopeKey(userID, chatID, threadID string) ScopeKey {
	if chatID == "" {
		chatID = userID
	}
	return ScopeKey{UserID: userID, ChatID: chatID, ThreadID: threadID}
}

// HasThread reports whether the scope is bound to a sub-thread.
func (k ScopeKey) HasThread() bool { return k.ThreadID != "" }

// String renders the key as user:chat:thread, using 0 for a missing thread.
func (k ScopeKey) String() string {
	thread := k.ThreadID
	if thread == "" {
		thread = "0"
	}
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.ChatID, thread)
}

// ScopeState is the mutable per-scope record owned by the scope store.
// Backends never mutate it directly.
type ScopeState struct {
	WorkingDirectory string `json:"working_directory"`
	Backend          string `json:"backend"`
	// SessionID may hold a temporary placeholder (see IsTemporaryID).
	SessionID       string `json:"session_id,omitempty"`
	ForceNewSession bool   `json:"force_new_session"`
	Model           string `json:"model,omitempty"`
	// Generation changes whenever the session binding is dropped (reset,
	// backend switch, directory change). A session is only bound to the
	// generation it was dispatched from.
	Generation uint64 `json:"generation"`
}
