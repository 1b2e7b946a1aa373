// ABOUTME: Standalone fake agent platform for local end-to-end runs of agent-relay
// ABOUTME: Usage: fake-platform [-addr 127.0.0.1:8787] [-agent id=Name]... [-delay-polls 2]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/logging"
	"github.com/2389/agent-relay/internal/platform"
	"github.com/2389/agent-relay/internal/platform/platformtest"
)

type agentFlags []platform.AgentInfo

func (a *agentFlags) String() string {
	ids := make([]string, len(*a))
	for i, info := range *a {
		ids[i] = info.ID
	}
	return strings.Join(ids, ",")
}

// Set parses id or id=Display Name.
func (a *agentFlags) Set(v string) error {
	id, name, _ := strings.Cut(v, "=")
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("agent id is required")
	}
	if name == "" {
		name = id
	}
	*a = append(*a, platform.AgentInfo{
		ID:           id,
		Name:         name,
		Model:        "echo",
		Provider:     "fake-platform",
		Status:       "active",
		Capabilities: []string{"chat", "echo"},
	})
	return nil
}

func main() {
	var agents agentFlags
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	delay := flag.Int("delay-polls", 2, "fetches that see a reply in progress before it completes")
	apiKey := flag.String("api-key", "", "require this bearer token")
	prefix := flag.String("prefix", "echo: ", "text prepended to every reply")
	level := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Var(&agents, "agent", "agent to serve as id or id=Name (repeatable)")
	flag.Parse()

	if len(agents) == 0 {
		_ = agents.Set("echo=Echo Agent")
	}

	if err := run(*addr, platformtest.Options{
		Agents:           agents,
		PollsBeforeReply: *delay,
		APIKey:           *apiKey,
		Reply: func(_, prompt string) string {
			return *prefix + prompt
		},
		Logger: logging.Setup(config.LoggingConfig{Level: *level}, os.Stderr),
	}); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, opts platformtest.Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           platformtest.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	ids := make([]string, len(opts.Agents))
	for i, a := range opts.Agents {
		ids[i] = a.ID
	}
	opts.Logger.Info("fake platform listening",
		"addr", addr,
		"agents", strings.Join(ids, ","),
		"delay_polls", opts.PollsBeforeReply)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
