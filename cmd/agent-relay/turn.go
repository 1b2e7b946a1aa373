// ABOUTME: turn command: send one prompt to an agent and print its reply
// ABOUTME: Session, conversation, context, and poll budget come from flags

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/orchestrator"
)

type turnFlags struct {
	session      string
	conversation string
	docs         []string
	texts        []string
	interval     time.Duration
	maxAttempts  int
	asJSON       bool
}

func newTurnCmd(opts *rootOptions) *cobra.Command {
	f := &turnFlags{}

	cmd := &cobra.Command{
		Use:   "turn <agent-id> <prompt>",
		Short: "Send a prompt to an agent and wait for its reply",
		Long:  "Send a prompt to an agent and wait for its reply. Use - as the prompt to read it from stdin.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[1]
			if prompt == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading prompt: %w", err)
				}
				prompt = string(data)
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.orch.RunTurn(ctx, args[0], prompt, orchestrator.TurnOptions{
					SessionID:      f.session,
					ConversationID: f.conversation,
					DocumentRefs:   f.docs,
					TextContext:    f.texts,
					PollInterval:   f.interval,
					MaxAttempts:    f.maxAttempts,
				})
				if err != nil {
					return err
				}
				return writeTurnResult(cmd, result, f.asJSON)
			})
		},
	}

	cmd.Flags().StringVarP(&f.session, "session", "s", "", "session id for conversation continuity")
	cmd.Flags().StringVarP(&f.conversation, "conversation", "c", "", "continue this conversation id")
	cmd.Flags().StringArrayVar(&f.docs, "doc", nil, "document reference to attach (repeatable)")
	cmd.Flags().StringArrayVar(&f.texts, "text", nil, "text snippet to attach as context (repeatable)")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "poll interval override")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "poll attempt override")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")

	return cmd
}

func writeTurnResult(cmd *cobra.Command, result *orchestrator.TurnResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if _, err := fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(result.Text, "\n")); err != nil {
		return err
	}
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(cmd.ErrOrStderr(), "conversation %s, %d polls\n", result.ConversationID, result.Attempts)
	return nil
}
