package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// CallbackType defines the lifecycle points of a dispatch where callbacks run.
//
// Available callback types:
//   - BeforeDispatch/AfterDispatch: around a complete unit of work
//   - OnFallback: when the primary backend failed and the fallback is tried
//   - OnError: when a dispatch ends with a DispatchError
//   - OnUpdate: for every StreamUpdate forwarded to the caller
//
// Callbacks run synchronously on the dispatching goroutine. Only
// BeforeDispatch can influence the flow: an error rejects the request.
type CallbackType string

const (
	// CallbackBeforeDispatch runs after the scope slot is acquired and before
	// any backend is invoked. Returning an error rejects the request.
	CallbackBeforeDispatch CallbackType = "before_dispatch"

	// CallbackAfterDispatch runs after a successful dispatch.
	CallbackAfterDispatch CallbackType = "after_dispatch"

	// CallbackOnFallback runs before the fallback attempt.
	CallbackOnFallback CallbackType = "on_fallback"

	// CallbackOnError runs when a dispatch fails, including busy rejections.
	CallbackOnError CallbackType = "on_error"

	// CallbackOnUpdate runs for every update, before it reaches the caller.
	CallbackOnUpdate CallbackType = "on_update"
)

// CallbackContext carries the information available at a lifecycle point.
// Fields that do not apply to a callback type are left zero.
type CallbackContext struct {
	CallbackType CallbackType
	Scope        core.ScopeKey
	// Backend is the adapter the callback concerns; for OnFallback it is the
	// failed primary.
	Backend string
	// Fallback is the adapter tried next (OnFallback only).
	Fallback string
	Prompt   string
	Update   core.StreamUpdate
	Result   *core.Result
	Err      error
	Duration time.Duration
	// Metadata is free-form storage for custom callbacks.
	Metadata map[string]any
}

// Callback is an execution lifecycle hook.
//
// Implementations should be fast, since they block the dispatch, and safe
// for concurrent use, since dispatches for different scopes run in parallel.
type Callback interface {
	// Type returns the lifecycle point this callback handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackOnFallback, func(ctx context.Context, c *CallbackContext) error {
//	    log.Printf("falling back from %s to %s", c.Backend, c.Fallback)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps callbacks per type and runs them in registration
// order. The first error stops the remaining callbacks of that type.
//
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds callbacks. Multiple callbacks per type run in
// registration order.
func (cm *CallbackManager) RegisterCallback(callbacks ...Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, cb := range callbacks {
		cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
	}
}

// ExecuteCallbacks runs the callbacks registered for callbackType.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one structured log line per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       *logging.RelayLogger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logging.NewRelayLogger(logger).WithComponent("engine"),
	}
}

// LoggingCallbacks returns logging callbacks for every dispatch lifecycle
// point except OnUpdate.
func LoggingCallbacks(logger logging.Logger) []Callback {
	return []Callback{
		NewLoggingCallback(CallbackBeforeDispatch, logger),
		NewLoggingCallback(CallbackAfterDispatch, logger),
		NewLoggingCallback(CallbackOnFallback, logger),
		NewLoggingCallback(CallbackOnError, logger),
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the event.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	l := c.logger.WithScope(cc.Scope).WithBackend(cc.Backend)

	switch cc.CallbackType {
	case CallbackBeforeDispatch:
		l.Debug("Dispatch started", "prompt_length", len(cc.Prompt))
	case CallbackAfterDispatch:
		args := []any{"duration", cc.Duration}
		if cc.Result != nil {
			args = append(args, "session_id", cc.Result.SessionID, "cost", cc.Result.Cost, "turns", cc.Result.Turns, "fell_back", cc.Result.FellBack)
		}
		l.Info("Dispatch completed", args...)
	case CallbackOnFallback:
		l.Warn("Falling back to secondary backend", "fallback", cc.Fallback, "error", cc.Err)
	case CallbackOnError:
		l.Error("Dispatch failed", "duration", cc.Duration, "error", cc.Err)
	case CallbackOnUpdate:
		if cc.Update != nil {
			l.Debug("Stream update", "kind", cc.Update.Kind())
		}
	}

	return nil
}

// PromptValidationCallback rejects requests before dispatch.
//
// Example:
//
//	cb := NewPromptValidationCallback(func(prompt string) error {
//	    if strings.TrimSpace(prompt) == "" {
//	        return errors.New("empty prompt")
//	    }
//	    return nil
//	})
type PromptValidationCallback struct {
	validator func(prompt string) error
}

// NewPromptValidationCallback creates a BeforeDispatch validation callback.
func NewPromptValidationCallback(validator func(prompt string) error) *PromptValidationCallback {
	return &PromptValidationCallback{validator: validator}
}

// Type returns CallbackBeforeDispatch.
func (c *PromptValidationCallback) Type() CallbackType {
	return CallbackBeforeDispatch
}

// Execute runs the validator on the prompt.
func (c *PromptValidationCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.validator == nil {
		return nil
	}
	return c.validator(cc.Prompt)
}
