package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/buildinfo"
	"github.com/boluohome/xingli/internal/config"
	"github.com/boluohome/xingli/internal/deepseek"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/habits"
	"github.com/boluohome/xingli/internal/homeassistant"
	"github.com/boluohome/xingli/internal/hub"
	"github.com/boluohome/xingli/internal/mqtt"
	"github.com/boluohome/xingli/internal/presence"
	"github.com/boluohome/xingli/internal/resolver"
	"github.com/boluohome/xingli/internal/usage"
	"github.com/boluohome/xingli/internal/vision"
)

// app is every long-lived component of one process, wired together.
// serve, ask and discover all start from it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	ha       *homeassistant.Client
	ws       *homeassistant.WSClient
	registry *device.Registry
	builder  *environment.Builder
	habits   *habits.Cache
	remote   *deepseek.Client
	eyes     *vision.Analyzer
	executor *action.Executor
	affect   *affect.Engine
	presence *presence.Monitor
	hub      *hub.Hub

	counters *mqtt.DailyCounters
	usage    *usage.Store // nil unless usage.enabled
}

// newApp wires the hub. Nothing here touches the network; call
// [app.connect] or let the connection watcher do it.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		counters: mqtt.NewDailyCounters(cfg.Location()),
	}

	// --- Data directory ---
	// The usage ledger and the MQTT instance ID live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Usage ledger ---
	dsOpts := []deepseek.Option{deepseek.WithUsageObserver(a.counters)}
	if cfg.Usage.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "usage.db")
		store, err := usage.NewStore(dbPath, cfg.Pricing, logger)
		if err != nil {
			return nil, fmt.Errorf("open usage database %s: %w", dbPath, err)
		}
		a.usage = store
		dsOpts = append(dsOpts, deepseek.WithUsageObserver(store))
		logger.Info("usage ledger opened", "path", dbPath)
	}
	dsOpts = append(dsOpts, deepseek.WithUsageObserver(deepseek.ObserverFunc(a.emitRemoteCall)))

	// --- Home Assistant ---
	a.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	a.ws = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	// --- Remote model ---
	a.remote = deepseek.NewClient(deepseek.FromConfig(cfg.DeepSeek), logger, dsOpts...)
	a.eyes = vision.New(a.ha, a.remote, cfg.DeepSeek.VisionModel, logger)

	// --- Devices and context ---
	a.registry = device.NewRegistry(a.ws,
		device.Classifier{AudioManufacturers: cfg.Discovery.AudioManufacturers},
		a.bus, logger)
	a.builder = environment.NewBuilder(a.ha, cfg.Context.HistorySize, logger)
	a.builder.SetClock(time.Now, cfg.Location())

	// --- Acting and feeling ---
	tts := homeassistant.NewTTS(a.ha, cfg.Speech.Domain, cfg.Speech.Service, cfg.Speech.MessageField)
	a.executor = action.NewExecutor(a.ha, tts, a.eyes, a.registry, logger)
	a.affect = affect.NewEngine(a.executor, cfg.Affect.MemorySize, a.bus, logger)

	var notify presence.NotifyFunc
	if svc := cfg.Presence.NotifyService; svc != "" {
		notify = func(ctx context.Context, title, message string) error {
			return homeassistant.Notify(ctx, a.ha, svc, title, message)
		}
	}
	a.presence = presence.NewMonitor(presence.FromConfig(cfg.Presence), a.affect, a.bus, logger,
		presence.WithFinder(a.registry, a.eyes, notify))

	// --- Command path ---
	a.habits = habits.New()
	parser := resolver.NewParser(cfg.Parser.Rooms, cfg.Parser.DefaultRoom)
	res := resolver.New(a.habits, parser, a.remote, logger)

	a.hub = hub.New(hub.Deps{
		Devices:  a.registry,
		Context:  a.builder,
		Resolver: res,
		Executor: a.executor,
		Habits:   a.habits,
		Affect:   a.affect,
		Observer: a.counters,
		Bus:      a.bus,
	}, logger)

	return a, nil
}

// connect opens the WebSocket and runs a first discovery. One-shot
// subcommands use it; serve leaves it to the connection watcher.
func (a *app) connect(ctx context.Context) error {
	if err := a.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect to Home Assistant: %w", err)
	}
	if _, err := a.registry.Rebuild(ctx); err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	return nil
}

// onHAReady runs each time Home Assistant becomes reachable: the
// WebSocket is re-established, state_changed is subscribed once (later
// reconnects restore it), and the registry is rebuilt.
func (a *app) onHAReady(ctx context.Context, subscribeOnce *sync.Once) {
	infoCtx, infoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer infoCancel()
	if haCfg, err := a.ha.GetConfig(infoCtx); err == nil {
		a.logger.Info("connected to Home Assistant",
			"url", a.cfg.HomeAssistant.URL,
			"version", haCfg.Version,
			"location", haCfg.LocationName,
		)
	}

	wsCtx, wsCancel := context.WithTimeout(ctx, 30*time.Second)
	defer wsCancel()
	if err := a.ws.Reconnect(wsCtx); err != nil {
		a.logger.Error("WebSocket reconnect failed", "error", err)
		return
	}

	subscribeOnce.Do(func() {
		if err := a.ws.Subscribe(wsCtx, "state_changed"); err != nil {
			a.logger.Error("subscribe to state_changed failed", "error", err)
		}
	})

	if _, err := a.registry.Rebuild(wsCtx); err != nil {
		a.logger.Warn("discovery after reconnect failed", "error", err)
	}
}

func (a *app) emitRemoteCall(_ context.Context, r deepseek.Report) {
	a.bus.Emit(events.SourceDeepSeek, events.KindRemoteCall, map[string]any{
		"request_id": r.RequestID,
		"model":      r.Model,
		"purpose":    r.Purpose,
		"attempts":   r.Attempts,
		"tokens_in":  r.Usage.PromptTokens,
		"tokens_out": r.Usage.CompletionTokens,
	})
}

// Close releases the WebSocket and the usage database.
func (a *app) Close() {
	if err := a.ws.Close(); err != nil {
		a.logger.Debug("websocket close", "error", err)
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("usage database close failed", "error", err)
		}
	}
}

// mqttStats bridges the hub's components to the MQTT publisher's
// [mqtt.StatsSource] interface.
type mqttStats struct {
	affect   *affect.Engine
	presence *presence.Monitor
	registry *device.Registry
}

func (s *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *mqttStats) Version() string       { return buildinfo.Version }
func (s *mqttStats) AffectState() string   { return string(s.affect.State()) }
func (s *mqttStats) PresenceState() string { return string(s.presence.Status().State) }
func (s *mqttStats) DeviceCount() int      { return s.registry.Snapshot().Count() }
