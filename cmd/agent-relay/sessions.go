// ABOUTME: sessions command: list, show, and forget session records
// ABOUTME: Records live in the selected store, so local mode only sees this process's sessions

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/apperr"
	"github.com/2389/agent-relay/internal/session"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage session records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSessions(cmd, opts)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listSessions(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Show one session record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					sc, err := a.sessions.Resume(ctx, args[0])
					if err != nil {
						return err
					}
					if sc == nil {
						return apperr.New(apperr.NotFound, fmt.Sprintf("session %q not found", args[0]))
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(sc)
				})
			},
		},
		&cobra.Command{
			Use:   "forget <session-id>",
			Short: "Delete a session record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					deleted, err := a.sessions.Delete(ctx, args[0])
					if err != nil {
						return err
					}
					if !deleted {
						return apperr.New(apperr.NotFound, fmt.Sprintf("session %q not found", args[0]))
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "forgot session %s\n", args[0])
					return err
				})
			},
		},
	)

	return cmd
}

func listSessions(cmd *cobra.Command, opts *rootOptions) error {
	return withApp(cmd, opts, func(ctx context.Context, a *app) error {
		ids, err := a.sessions.List(ctx)
		if err != nil {
			return err
		}
		sort.Strings(ids)

		var records []*session.Context
		for _, id := range ids {
			sc, err := a.sessions.Resume(ctx, id)
			if err != nil {
				return err
			}
			// Expired between List and Resume.
			if sc == nil {
				continue
			}
			records = append(records, sc)
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			_, err := fmt.Fprintln(out, "no sessions")
			return err
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tAGENT\tCONVERSATION\tTURNS\tDOCS\tUPDATED")
		for _, sc := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				sc.SessionID,
				sc.AgentID,
				sc.ConversationID,
				sc.Turns,
				strings.Join(sc.DocumentRefs, ","),
				sc.UpdatedAt.Local().Format(time.DateTime),
			)
		}
		return tw.Flush()
	})
}
