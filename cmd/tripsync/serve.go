// Serve command: wires storage, the engine, the gateway, and the HTTP
// listener together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/voyago/tripsync/internal/agents"
	"github.com/voyago/tripsync/internal/broadcast"
	"github.com/voyago/tripsync/internal/config"
	"github.com/voyago/tripsync/internal/engine"
	"github.com/voyago/tripsync/internal/gateway"
	"github.com/voyago/tripsync/internal/relay"
	"github.com/voyago/tripsync/internal/server"
	"github.com/voyago/tripsync/internal/store"
	"github.com/voyago/tripsync/internal/task"
)

// Run starts the server and blocks until shutdown.
func (c *ServeCmd) Run() error {
	logger := logging.New().WithComponent("main")

	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}

	telem, err := setupTelemetry(cfg)
	if err != nil {
		return err
	}
	defer telem.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	hubOpts := []broadcast.HubOption{broadcast.WithBufferSize(cfg.Broadcast.BufferSize)}
	var natsRelay *relay.Relay
	if cfg.Relay.Enabled {
		natsRelay, err = relay.New(cfg.Relay.URL)
		if err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
		defer natsRelay.Close()
		hubOpts = append(hubOpts, broadcast.WithForwarder(natsRelay.Forwarder()))
	}
	hub := broadcast.New(hubOpts...)

	registry, err := agentRegistry(cfg)
	if err != nil {
		return err
	}
	eng := engine.New(st, hub, task.NewRunner(hub), registry)
	gw := gateway.New(hub, eng, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout())

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.New(eng, gw).Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Watch && c.Config != "" {
		// Hot-reload covers the heartbeat knobs, applied to new
		// connections; listener and storage changes need a restart.
		if err := config.Watch(ctx, c.Config, func(next *config.Config) {
			gw.SetHeartbeat(next.HeartbeatInterval(), next.HeartbeatTimeout())
		}); err != nil {
			logger.Warn("config watch unavailable", map[string]interface{}{"error": err.Error()})
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"addr": cfg.Server.Listen})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if _, err := os.Stat("tripsync.toml"); err != nil {
		return config.Default(), nil
	}
	// A present but broken config is an error; silently falling back would
	// hide it.
	return config.LoadDefault()
}

// setupTelemetry creates the telemetry exporter.
func setupTelemetry(cfg *config.Config) (telemetry.Exporter, error) {
	if cfg.Telemetry.Enabled {
		telem, err := telemetry.NewExporter(cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating telemetry exporter: %w", err)
		}
		return telem, nil
	}
	return telemetry.NewNoopExporter(), nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nil
	default:
		st, err := store.OpenBolt(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store at %s: %w", cfg.Storage.Path, err)
		}
		return st, nil
	}
}

// agentRegistry builds the workflow agents with their seed data.
func agentRegistry(cfg *config.Config) (map[string]task.Agent, error) {
	var seed *agents.SeedCatalog
	var err error
	if cfg.Catalog.Dir != "" {
		seed, err = agents.LoadSeedDir(cfg.Catalog.Dir)
	} else {
		seed, err = agents.DefaultSeed()
	}
	if err != nil {
		return nil, fmt.Errorf("loading destination catalogs: %w", err)
	}

	return map[string]task.Agent{
		"preference_analyzer":    agents.Analyzer{},
		"destination_researcher": agents.Researcher{Seed: seed},
		"itinerary_planner":      agents.Planner{},
		"compromise_broker":      agents.Broker{},
	}, nil
}
