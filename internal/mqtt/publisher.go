package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/boluohome/xingli/internal/config"
)

// StatsSource provides runtime data for sensor states. The concrete
// adapter is wired in main.go so this package does not depend on the
// hub.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	AffectState() string
	PresenceState() string
	DeviceCount() int
}

// CommandHandler answers a free-text command.
type CommandHandler func(ctx context.Context, text string) string

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes sensor
// states to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *DailyCounters
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	handler CommandHandler
	limiter *messageRateLimiter
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, counters *DailyCounters, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counters:   counters,
		stats:      stats,
		logger:     logger,
		limiter:    newMessageRateLimiter(commandsPerMinute, time.Minute, logger),
	}
}

// SetCommandHandler installs the handler for the command topic. It only
// takes effect when mqtt.accept_commands is set and must be called
// before Start.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.handler = h
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "xingli-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.commandsEnabled() {
		go p.limiter.start(ctx)
	}
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "xingli/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) responseTopic() string {
	return p.baseTopic() + "/response"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string, tweak func(*SensorConfig)) sensorDef {
	c := SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	if tweak != nil {
		tweak(&c)
	}
	return sensorDef{entitySuffix: suffix, config: c}
}

func diagnostic(c *SensorConfig) { c.EntityCategory = "diagnostic" }

func (p *Publisher) sensorDefinitions() []sensorDef {
	return []sensorDef{
		p.sensor("affect_state", "Mood", "mdi:emoticon-outline", nil),
		p.sensor("presence_status", "Presence", "mdi:home-account", nil),
		p.sensor("devices", "Devices", "mdi:devices", func(c *SensorConfig) {
			c.StateClass = "measurement"
		}),
		p.sensor("commands_today", "Commands Today", "mdi:message-text", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
		}),
		p.sensor("tokens_today", "Tokens Today", "mdi:counter", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
			c.UnitOfMeasurement = "tokens"
		}),
		p.sensor("last_command", "Last Command", "mdi:clock-check", nil),
		p.sensor("uptime", "Uptime", "mdi:clock-outline", diagnostic),
		p.sensor("version", "Version", "mdi:tag", diagnostic),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// stateValues renders the current sensor states.
func (p *Publisher) stateValues() map[string]string {
	t := p.counters.Snapshot()
	states := map[string]string{
		"affect_state":    p.stats.AffectState(),
		"presence_status": p.stats.PresenceState(),
		"devices":         strconv.Itoa(p.stats.DeviceCount()),
		"commands_today":  strconv.FormatInt(t.Commands, 10),
		"tokens_today":    strconv.FormatInt(t.InputTokens+t.OutputTokens, 10),
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"version":         p.stats.Version(),
		"last_command":    "never",
	}
	if !t.LastAt.IsZero() {
		states["last_command"] = t.LastAt.Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.stateValues()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
