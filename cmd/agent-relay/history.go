// ABOUTME: history command: list recorded turns from the ledger
// ABOUTME: Filters by session and shows outcome, duration, and poll count per turn

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/ledger"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded turns, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, disabled := a.ledger.(ledger.Nop); disabled {
					return errors.New("the turn ledger is disabled; set ledger.enabled in the config")
				}

				var (
					turns []*ledger.Turn
					err   error
				)
				if sessionID != "" {
					turns, err = a.ledger.ListBySession(ctx, sessionID, limit)
				} else {
					turns, err = a.ledger.Recent(ctx, limit)
				}
				if err != nil {
					return fmt.Errorf("reading ledger: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(turns) == 0 {
					_, err := fmt.Fprintln(out, "no turns recorded")
					return err
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tAGENT\tSESSION\tOUTCOME\tPOLLS\tDURATION\tPROMPT")
				for _, t := range turns {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						t.StartedAt.Local().Format(time.DateTime),
						t.AgentID,
						orDash(t.SessionID),
						colorOutcome(t.Outcome),
						t.Attempts,
						t.Duration().Round(time.Millisecond),
						truncate(t.Prompt, 48),
					)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only turns from this session")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of turns")

	return cmd
}

func colorOutcome(o ledger.Outcome) string {
	switch o {
	case ledger.OutcomeCompleted:
		return color.GreenString(string(o))
	case ledger.OutcomeTimedOut, ledger.OutcomeCancelled:
		return color.YellowString(string(o))
	default:
		return color.RedString(string(o))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
