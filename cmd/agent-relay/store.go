// ABOUTME: store command: report which backend is serving and its health
// ABOUTME: Pings the selected backend so an unreachable store shows up immediately

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/kvstore"
)

func newStoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Show the selected store backend and its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				green := color.New(color.FgGreen)
				yellow := color.New(color.FgYellow)
				red := color.New(color.FgRed)

				health := a.store.Health()
				fmt.Fprintf(out, "Policy:    %s\n", a.cfg.Store.Mode)
				fmt.Fprint(out, "Mode:      ")
				if health.Mode == kvstore.ModeRemote {
					green.Fprintln(out, health.Mode)
				} else {
					yellow.Fprintln(out, health.Mode)
				}
				if a.cfg.Store.Mode != kvstore.SelectLocal {
					fmt.Fprintf(out, "Remote:    %s\n", a.cfg.Store.Remote.Addr)
				}
				fmt.Fprintf(out, "Failures:  %d\n", health.ConsecutiveFailures)
				if !health.LastFailureAt.IsZero() {
					fmt.Fprintf(out, "Last fail: %s\n", health.LastFailureAt.Format(time.RFC3339))
				}

				fmt.Fprint(out, "Ping:      ")
				if err := a.store.Ping(ctx); err != nil {
					red.Fprintln(out, err)
					return nil
				}
				green.Fprintln(out, "ok")
				return nil
			})
		},
	}
}
