// ABOUTME: Entry point for the agent-relay command line
// ABOUTME: Runs the cobra root under a signal-cancelled context and maps errors to exit codes

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agent-relay/internal/apperr"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprint(w, "Error: ")
	fmt.Fprintln(w, err)

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.ConversationID != "" {
		gray := color.New(color.FgHiBlack)
		gray.Fprintf(w, "       conversation %s is kept; retry with --conversation %s\n", ae.ConversationID, ae.ConversationID)
	}
}

// exitCode distinguishes a timed out or interrupted turn from other failures.
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.TimedOut:
		return 3
	case apperr.Cancelled:
		return 130
	case apperr.Invalid:
		return 2
	default:
		return 1
	}
}
