package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay/core"
)

type scopeFlags struct {
	backend string
	dir     string
	model   string
	fresh   bool
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.backend, "backend", "b", "", "backend to use (claude, codex, anthropic, openai, mock)")
	cmd.Flags().StringVarP(&f.dir, "dir", "C", "", "working directory")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model override")
	cmd.Flags().BoolVar(&f.fresh, "new", false, "start a new session")
}

func (f *scopeFlags) apply(a *app, key core.ScopeKey) error {
	if f.backend != "" {
		if _, err := a.relay.SwitchBackend(key, f.backend); err != nil {
			return err
		}
	}
	if f.dir != "" {
		if _, err := a.relay.ChangeDirectory(key, f.dir); err != nil {
			return err
		}
	}
	if f.model != "" {
		a.relay.SetModel(key, f.model)
	}
	if f.fresh {
		a.relay.ResetSession(key)
	}
	return nil
}

func newRunCmd(ro *rootOptions) *cobra.Command {
	var (
		sf      scopeFlags
		images  []string
		yes     bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "run PROMPT...",
		Short: "Run a single prompt and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt is empty")
			}

			return withApp(cmd, ro, func(a *app) error {
				key := a.scope()
				if err := sf.apply(a, key); err != nil {
					return err
				}

				imgs := make([]core.Image, 0, len(images))
				for _, p := range images {
					imgs = append(imgs, core.Image{Path: p})
				}

				out := cmd.OutOrStdout()
				if jsonOut {
					out = cmd.ErrOrStderr()
				}
				t := newTerminal(cmd.InOrStdin(), out, yes)

				res, err := a.relay.Submit(cmd.Context(), key, nil, prompt, imgs, t.updates(cmd.Context(), a.resolver()))
				if err != nil {
					return errors.New(describeError(err))
				}

				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return fmt.Errorf("failed to encode result: %w", err)
					}
					return nil
				}

				t.printSummary(res)

				return nil
			})
		},
	}

	sf.register(cmd)
	cmd.Flags().StringSliceVar(&images, "image", nil, "image file to attach (repeatable)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every tool request")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")

	return cmd
}

func (a *app) resolver() func(requestID string, d core.Decision) {
	return func(requestID string, d core.Decision) {
		if _, err := a.relay.ResolveApproval(requestID, a.userID, d); err != nil {
			a.logger.Warn("Failed to resolve approval", "request_id", requestID, "error", err)
		}
	}
}
