// ABOUTME: Cobra root command and shared command plumbing
// ABOUTME: Holds the persistent --config flag and wires the app for each subcommand

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Relay prompts to platform agents and wait for their replies",
		Long:          "agent-relay sends prompts to agents on a conversation platform, keeps session continuity in a local or Redis-backed store, and records every turn in a local ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $"+config.EnvConfigPath+" or ~/.config/agent-relay/relay.yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newTurnCmd(opts),
		newAgentCmd(opts),
		newStoreCmd(opts),
		newSessionsCmd(opts),
		newHistoryCmd(opts),
	)

	return rootCmd
}

// withApp wires the app from config, runs fn, and tears the app down.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := wireApp(ctx, config.ResolvePath(opts.configPath), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(ctx, a)
}
