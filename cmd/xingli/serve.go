package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"

	"github.com/boluohome/xingli/internal/api"
	"github.com/boluohome/xingli/internal/buildinfo"
	"github.com/boluohome/xingli/internal/connwatch"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/homeassistant"
	"github.com/boluohome/xingli/internal/mqtt"
)

// shutdownTimeout bounds graceful shutdown of the API server and the
// MQTT offline publish.
const shutdownTimeout = 10 * time.Second

// runServe starts every background component and the HTTP API, and
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, g *globalFlags) error {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, logLevel(cfg), cfg.LogFormat)
	logger.Info("starting xingli",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.DeepSeek.Model,
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connection resilience ---
	// Probes HA with exponential backoff; every time it comes back the
	// WebSocket is reopened and the registry rebuilt.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var subscribeOnce sync.Once
	haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   a.ha.Ping,
		Backoff: connwatch.DefaultBackoff(),
		OnReady: func() { a.onHAReady(ctx, &subscribeOnce) },
		Logger:  logger,
	})
	a.ha.SetWatcher(haWatcher)

	// --- Presence feed ---
	filter := homeassistant.NewEntityFilter(cfg.Presence.Track)
	limiter := homeassistant.NewEntityRateLimiter(cfg.Presence.RateLimitPerMinute)
	watcher := homeassistant.NewStateWatcher(a.ws.Events(), filter, limiter, a.presence.HandleStateChange, logger)

	// --- API server ---
	deps := api.Deps{
		Commander: a.hub,
		Registry:  a.registry,
		History:   a.builder,
		Habits:    a.habits,
		Affect:    a.affect,
		Presence:  a.presence,
		Bus:       a.bus,
		Upstream:  a.ha,
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, deps, logger)

	// --- MQTT publisher ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.counters,
			&mqttStats{affect: a.affect, presence: a.presence, registry: a.registry}, logger)
		pub.SetCommandHandler(func(ctx context.Context, text string) string {
			return a.hub.HandleCommand(ctx, text).Response
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
			"accept_commands", cfg.MQTT.AcceptCommands,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		watcher.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		a.registry.Run(egCtx, cfg.Discovery.Interval)
		return nil
	})
	eg.Go(func() error {
		a.presence.Run(egCtx)
		return nil
	})
	if pub != nil {
		eg.Go(func() error {
			if err := pub.Start(egCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		if err := server.Start(egCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		// Publish MQTT offline status before disconnecting.
		if pub != nil {
			if err := pub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
		return nil
	})

	err = eg.Wait()
	logger.Info("xingli stopped")
	return err
}

// runAsk handles one command against the live home and prints the
// reply. Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, g *globalFlags, text string) error {
	a, err := newOneShot(ctx, stderr, g)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.hub.HandleCommand(ctx, text)

	if g.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Response)
	if resp.Analysis != "" && !strings.Contains(resp.Response, resp.Analysis) {
		fmt.Fprintln(stdout, resp.Analysis)
	}
	return nil
}

// runDiscover rebuilds the registry and prints the snapshot.
func runDiscover(ctx context.Context, stdout, stderr io.Writer, g *globalFlags) error {
	a, err := newOneShot(ctx, stderr, g)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.registry.Snapshot()
	if g.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.ByRole())
	}
	renderSnapshot(stdout, snap)
	return nil
}

// newOneShot loads the config, wires the app and connects to Home
// Assistant.
func newOneShot(ctx context.Context, stderr io.Writer, g *globalFlags) (*app, error) {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, logLevel(cfg), cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// renderSnapshot writes one table row per device, grouped by role in
// priority order.
func renderSnapshot(w io.Writer, snap *device.Snapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Role", "Name", "Manufacturer", "Model", "Entities"})
	for _, role := range device.Roles {
		for _, d := range snap.Devices(role) {
			tw.AppendRow(table.Row{role, d.Name, d.Manufacturer, d.Model, strings.Join(d.Entities, "\n")})
		}
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", snap.Count()})
	tw.Render()
}
