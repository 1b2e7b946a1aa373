// ABOUTME: agent command: show an agent's cached metadata
// ABOUTME: --refresh drops the cached entry before looking the agent up

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newAgentCmd(opts *rootOptions) *cobra.Command {
	var (
		refresh bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "agent <agent-id>",
		Short: "Show an agent's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if refresh {
					if err := a.agents.Invalidate(ctx, args[0]); err != nil {
						a.logger.Warn("could not drop cached agent", "agent_id", args[0], "error", err)
					}
				}

				cfg, err := a.orch.GetAgentInfo(ctx, args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(cfg)
				}

				label := color.New(color.FgCyan)
				row := func(name, value string) {
					if value == "" {
						return
					}
					label.Fprintf(out, "%-13s", name)
					fmt.Fprintln(out, value)
				}
				row("ID", cfg.ID)
				row("Name", cfg.Name)
				row("Description", cfg.Description)
				row("Model", cfg.Model)
				row("Provider", cfg.Provider)
				row("Status", cfg.Status)
				row("Capabilities", strings.Join(cfg.Capabilities, ", "))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cached entry")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the agent as JSON")

	return cmd
}
