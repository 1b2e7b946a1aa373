// ABOUTME: Builds the relay's object graph from a loaded config
// ABOUTME: Store selector, platform client, caches, ledger, and orchestrator, plus teardown

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/codec"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/kvstore"
	"github.com/2389/agent-relay/internal/ledger"
	"github.com/2389/agent-relay/internal/logging"
	"github.com/2389/agent-relay/internal/orchestrator"
	"github.com/2389/agent-relay/internal/platform"
	"github.com/2389/agent-relay/internal/session"
	"github.com/2389/agent-relay/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *kvstore.Selector
	client   *platform.Client
	agents   *agent.Cache
	sessions *session.Store
	ledger   ledger.Ledger
	orch     *orchestrator.Orchestrator

	shutdownTelemetry func(context.Context) error
}

func wireApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logging.Setup(cfg.Logging, logOut),
	}

	a.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Stdout:         cfg.Telemetry.Stdout,
		Writer:         logOut,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	if err := a.wire(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	c, err := codec.ByName(cfg.Store.Codec)
	if err != nil {
		return err
	}

	local := kvstore.NewMemoryStore(kvstore.MemoryOptions{
		Capacity:   cfg.Store.Local.Capacity,
		DefaultTTL: cfg.Store.Local.DefaultTTL,
		Logger:     a.logger,
	})
	var remote kvstore.Store
	if cfg.Store.Mode != kvstore.SelectLocal {
		remote = kvstore.NewRedisStore(kvstore.RedisOptions{
			Addr:        cfg.Store.Remote.Addr,
			Username:    cfg.Store.Remote.Username,
			Password:    cfg.Store.Remote.Password,
			DB:          cfg.Store.Remote.DB,
			TLS:         cfg.Store.Remote.TLS,
			DialTimeout: cfg.Store.Remote.ConnectTimeout,
			KeyPrefix:   cfg.Store.KeyPrefix,
			Logger:      a.logger,
		})
	}

	a.store, err = kvstore.NewSelector(ctx, kvstore.SelectorConfig{
		Mode:             cfg.Store.Mode,
		ConnectTimeout:   cfg.Store.Remote.ConnectTimeout,
		FailureThreshold: cfg.Store.FailureThreshold,
		FailureWindow:    cfg.Store.FailureWindow,
		ProbeInterval:    cfg.Store.ProbeInterval,
		ProbeMaxInterval: cfg.Store.ProbeMaxInterval,
		Logger:           a.logger,
	}, local, remote)
	if err != nil {
		local.Close()
		if remote != nil {
			remote.Close()
		}
		return fmt.Errorf("selecting store: %w", err)
	}

	a.ledger = ledger.Nop{}
	if cfg.Ledger.Enabled {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		a.ledger = l
	}

	a.client, err = platform.NewClient(platform.Options{
		BaseURL: cfg.Platform.BaseURL,
		APIKey:  cfg.Platform.APIKey,
		Timeout: cfg.Platform.RequestTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("creating platform client: %w", err)
	}

	a.agents = agent.NewCache(a.store, a.client, c, cfg.Agents.ConfigTTL, a.logger)
	a.sessions = session.NewStore(a.store, session.Options{
		TTL:     cfg.Session.TTL,
		MaxRefs: cfg.Session.MaxDocumentRefs,
		Codec:   c,
		Logger:  a.logger,
	})

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Client:   a.client,
		Sessions: a.sessions,
		Agents:   a.agents,
		Ledger:   a.ledger,
		Logger:   a.logger,
	}, orchestrator.Options{
		PollInterval:    cfg.Polling.Interval,
		MaxAttempts:     cfg.Polling.MaxAttempts,
		Ceiling:         cfg.Polling.Ceiling,
		MaxContextBytes: cfg.Polling.MaxContextBytes,
		User: platform.UserContext{
			Username: cfg.User.Username,
			Timezone: cfg.User.Timezone,
			Email:    cfg.User.Email,
			Fullname: cfg.User.Fullname,
		},
	})
	return err
}

// Close releases everything wire acquired. Safe on a partially wired app.
func (a *app) Close() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	return errors.Join(errs...)
}
