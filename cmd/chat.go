package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/core"
)

const maintenanceInterval = time.Minute

func newChatCmd(ro *rootOptions) *cobra.Command {
	var (
		sf          scopeFlags
		yes         bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Start an interactive session on the local scope.

Commands:
  /new            start a new session
  /backend NAME   switch the backend
  /cd DIR         change the working directory
  /model MODEL    set the model override (empty clears it)
  /status         show the scope state
  /quit           leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, ro, func(a *app) error {
				key := a.scope()
				if err := sf.apply(a, key); err != nil {
					return err
				}

				addr := metricsAddr
				if addr == "" {
					addr = a.cfg.Metrics.Addr
				}

				g, ctx := errgroup.WithContext(cmd.Context())
				ctx, stop := context.WithCancel(ctx)
				defer stop()

				switch {
				case addr != "" && a.metrics.Enabled():
					g.Go(func() error { return a.metrics.Serve(ctx, addr) })
				case addr != "":
					a.logger.Warn("Metrics address set but metrics are disabled", "addr", addr)
				}

				g.Go(func() error {
					a.maintain(ctx, maintenanceInterval)
					return nil
				})

				g.Go(func() error {
					defer stop()
					return a.chatLoop(ctx, newTerminal(cmd.InOrStdin(), cmd.OutOrStdout(), yes), cmd.OutOrStdout())
				})

				return g.Wait()
			})
		},
	}

	sf.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every tool request")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

func (a *app) maintain(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, approvals, err := a.relay.Maintain(ctx)
			if err != nil {
				a.logger.Warn("Maintenance failed", "error", err)
				continue
			}
			if sessions > 0 || approvals > 0 {
				a.logger.Info("Maintenance", "expired_sessions", sessions, "expired_approvals", approvals)
			}
		}
	}
}

func (a *app) chatLoop(ctx context.Context, t *terminal, out io.Writer) error {
	key := a.scope()

	for {
		fmt.Fprint(out, "> ")

		line, ok := t.readLine(ctx)
		if !ok {
			fmt.Fprintln(out)
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := a.command(key, line, out)
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		res, err := a.relay.Submit(ctx, key, nil, line, nil, t.updates(ctx, a.resolver()))
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			fmt.Fprintln(out, describeError(err))
			continue
		}

		t.printSummary(res)
	}
}

// command handles a slash command. It reports whether the loop should end.
func (a *app) command(key core.ScopeKey, line string, out io.Writer) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		a.relay.ResetSession(key)
		fmt.Fprintln(out, "Started a new session.")
	case "/backend":
		if arg == "" {
			return false, errors.New("usage: /backend NAME")
		}
		st, err := a.relay.SwitchBackend(key, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Backend: %s\n", st.Backend)
	case "/cd":
		if arg == "" {
			return false, errors.New("usage: /cd DIR")
		}
		st, err := a.relay.ChangeDirectory(key, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Directory: %s\n", st.WorkingDirectory)
	case "/model":
		st := a.relay.SetModel(key, arg)
		if st.Model == "" {
			fmt.Fprintln(out, "Model: default")
		} else {
			fmt.Fprintf(out, "Model: %s\n", st.Model)
		}
	case "/status":
		a.printStatus(key, out)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}

	return false, nil
}

func (a *app) printStatus(key core.ScopeKey, out io.Writer) {
	st, ok := a.relay.State(key)
	if !ok {
		fmt.Fprintln(out, "No state yet.")
		return
	}

	session := st.SessionID
	if session == "" || st.ForceNewSession {
		session = "(new)"
	}
	model := st.Model
	if model == "" {
		model = "default"
	}

	fmt.Fprintf(out, "Backend:   %s\n", st.Backend)
	fmt.Fprintf(out, "Directory: %s\n", st.WorkingDirectory)
	fmt.Fprintf(out, "Model:     %s\n", model)
	fmt.Fprintf(out, "Session:   %s\n", session)
	fmt.Fprintf(out, "Backends:  %s\n", strings.Join(a.relay.Backends(), ", "))
}
