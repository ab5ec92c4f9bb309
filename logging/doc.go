// Package logging provides a minimal logging interface and adapters for agentrelay.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, the permission bridge and the backends use for observability.
// Arguments follow the slog convention of alternating keys and values. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZerologAdapter and ZapAdapter for deployments standardized on those loggers
//   - RelayLogger with scope and backend context plus dispatch helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger, err := logging.New(logging.Config{Backend: "zerolog", Level: "debug", Format: "console"})
//	if err != nil {
//	    return err
//	}
//	relay := agentrelay.New(func(o *agentrelay.Options) { o.Logger = logger })
//
// The interface stays minimal to avoid vendor lock-in while supporting
// structured logging where available.
package logging
