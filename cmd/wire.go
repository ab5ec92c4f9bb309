package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay"
	"github.com/hupe1980/agentrelay/backend"
	anthropicbackend "github.com/hupe1980/agentrelay/backend/anthropic"
	"github.com/hupe1980/agentrelay/backend/claudecli"
	"github.com/hupe1980/agentrelay/backend/codexcli"
	openaibackend "github.com/hupe1980/agentrelay/backend/openai"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/engine"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/metrics"
	"github.com/hupe1980/agentrelay/store/sqlite"
)

// terminalChat is the chat id of the single local scope.
const terminalChat = "terminal"

type app struct {
	cfg     *config.Config
	relay   *agentrelay.Relay
	metrics *metrics.Metrics
	logger  logging.Logger
	userID  string
	closers []func() error
}

// withApp wires the application for one command invocation and tears it
// down afterwards.
func withApp(cmd *cobra.Command, ro *rootOptions, fn func(a *app) error) error {
	a, err := wireApp(cmd.Context(), ro, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	runErr := fn(a)

	return errors.Join(runErr, a.close(context.WithoutCancel(cmd.Context())))
}

func wireApp(ctx context.Context, ro *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(ro.configPath)
	if err != nil {
		return nil, err
	}

	if ro.logLevel != "" {
		cfg.Logging.Level = ro.logLevel
	}

	logger, err := logging.New(logging.Config{
		Backend: cfg.Logging.Backend,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		userID:  localUser(),
		metrics: metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, Namespace: cfg.Metrics.Namespace}),
	}

	var (
		sessions  core.SessionStore
		approvals core.ApprovalStore
	)
	if cfg.Storage.Path != "" {
		st, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Storage.Path})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		sessions, approvals = st, st
	}

	var m *metrics.Metrics
	if a.metrics.Enabled() {
		m = a.metrics
	}

	a.relay = agentrelay.New(func(o *agentrelay.Options) {
		o.Backends = buildBackends(cfg, logger)
		o.EngineConfig = engine.Config{
			Timeout:                 cfg.Timeout,
			Fallbacks:               cfg.Fallbacks,
			MaxConcurrentDispatches: cfg.MaxConcurrentDispatches,
		}
		o.DefaultBackend = cfg.DefaultBackend
		o.ApprovedDirectory = cfg.ApprovedDirectory
		o.SessionStore = sessions
		o.SessionTimeout = cfg.SessionTimeout
		o.MaxSessionsPerUser = cfg.MaxSessionsPerUser
		o.DisablePermissions = !cfg.Permission.Enabled
		o.ApprovalStore = approvals
		o.ApprovalTimeout = cfg.Permission.Timeout
		o.AllowedTools = cfg.Permission.AllowedTools
		o.DisallowedTools = cfg.Permission.DisallowedTools
		o.DisableToolValidation = !cfg.Permission.ValidateTools
		o.CancelGrace = cfg.CancelGrace
		o.Callbacks = engine.LoggingCallbacks(logger)
		o.Metrics = m
		o.Logger = logger
	})

	if err := a.relay.Recover(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	return a, nil
}

func buildBackends(cfg *config.Config, logger logging.Logger) []core.Backend {
	backends := []core.Backend{
		claudecli.New(func(o *claudecli.Options) {
			o.Path = cfg.Claude.Binary
			o.MaxTurns = cfg.Claude.MaxTurns
			o.AllowedTools = cfg.Claude.AllowedTools
			o.DisallowedTools = cfg.Claude.DisallowedTools
			o.MCPConfigPath = cfg.Claude.MCPConfig
			o.DisableGating = !cfg.Claude.PermissionGating
			o.Logger = logger
		}),
		codexcli.New(func(o *codexcli.Options) {
			o.Path = cfg.Codex.Binary
			o.Model = cfg.Codex.Model
			o.EnableMCP = cfg.Codex.EnableMCP
			o.Logger = logger
		}),
		backend.NewMock(backend.MockName),
	}

	if cfg.Anthropic.Enabled {
		backends = append(backends, anthropicbackend.New(func(o *anthropicbackend.Options) {
			o.APIKey = cfg.Anthropic.APIKey
			o.BaseURL = cfg.Anthropic.BaseURL
			if cfg.Anthropic.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Anthropic.Model)
			}
			if cfg.Anthropic.MaxTokens > 0 {
				o.MaxTokens = cfg.Anthropic.MaxTokens
			}
			o.SystemPrompt = cfg.Anthropic.SystemPrompt
			o.Logger = logger
		}))
	}

	if cfg.OpenAI.Enabled {
		backends = append(backends, openaibackend.New(func(o *openaibackend.Options) {
			o.APIKey = cfg.OpenAI.APIKey
			o.BaseURL = cfg.OpenAI.BaseURL
			if cfg.OpenAI.Model != "" {
				o.Model = cfg.OpenAI.Model
			}
			if cfg.OpenAI.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.OpenAI.MaxTokens
			}
			o.SystemPrompt = cfg.OpenAI.SystemPrompt
			o.Logger = logger
		}))
	}

	return backends
}

func (a *app) scope() core.ScopeKey {
	return core.NewScopeKey(a.userID, terminalChat, "")
}

func (a *app) close(ctx context.Context) error {
	var errs []error

	if a.relay != nil {
		if err := a.relay.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

func localUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
