// Package presence decides whether the user is home, away or missing
// from person and device_tracker state changes, and escalates through
// the affect engine when they have not been seen for too long.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/config"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/events"
)

// State is the presence status.
type State string

// States.
const (
	Home    State = "home"
	Away    State = "away"
	Missing State = "missing"
)

// HA states that carry no location.
var noLocation = map[string]bool{"": true, "not_home": true, "unknown": true, "unavailable": true}

// Status is a copy of the monitor's state.
type Status struct {
	State        State     `json:"state"`
	LastDetected time.Time `json:"last_detected"`
	LastLocation string    `json:"last_location"`
	Since        time.Time `json:"since"`
}

// Affect is the part of the affect engine the monitor drives.
type Affect interface {
	State() affect.State
	ExpressConcern(ctx context.Context, reason string)
	ExpressJoy(ctx context.Context)
}

// Describer describes what a camera sees.
type Describer interface {
	Describe(ctx context.Context, entityID string) (string, error)
}

// SnapshotSource returns the current device snapshot.
type SnapshotSource interface {
	Snapshot() *device.Snapshot
}

// NotifyFunc alerts the emergency contact.
type NotifyFunc func(ctx context.Context, title, message string) error

// Config holds the thresholds.
type Config struct {
	CheckInterval   time.Duration
	AwayAfter       time.Duration
	MissingAfter    time.Duration
	DefaultLocation string
}

// FromConfig maps the presence section of the file config.
func FromConfig(c config.PresenceConfig) Config {
	return Config{
		CheckInterval:   c.CheckInterval,
		AwayAfter:       c.AwayAfter,
		MissingAfter:    c.MissingAfter,
		DefaultLocation: c.DefaultLocation,
	}
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithFinder wires the find-user steps. Any argument may be nil to skip
// that step.
func WithFinder(devices SnapshotSource, eyes Describer, notify NotifyFunc) Option {
	return func(m *Monitor) {
		m.devices = devices
		m.eyes = eyes
		m.notify = notify
	}
}

// Monitor owns the presence status.
type Monitor struct {
	cfg     Config
	affect  Affect
	devices SnapshotSource
	eyes    Describer
	notify  NotifyFunc
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	status Status
}

// NewMonitor creates a monitor that starts out home, last seen now.
func NewMonitor(cfg Config, aff Affect, bus *events.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := config.Default().Presence
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = def.AwayAfter
	}
	if cfg.MissingAfter <= 0 {
		cfg.MissingAfter = def.MissingAfter
	}
	if cfg.DefaultLocation == "" {
		cfg.DefaultLocation = def.DefaultLocation
	}

	m := &Monitor{
		cfg:    cfg,
		affect: aff,
		bus:    bus,
		logger: logger.With("component", "presence"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	now := m.now()
	m.status = Status{State: Home, LastDetected: now, LastLocation: cfg.DefaultLocation, Since: now}
	return m
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// HandleStateChange has the signature of a state watch handler. A new
// state of "home" marks the user detected; any other zone name is
// remembered as the last known location.
func (m *Monitor) HandleStateChange(ctx context.Context, entityID, oldState, newState string) {
	if newState != string(Home) {
		if noLocation[newState] {
			return
		}
		m.mu.Lock()
		m.status.LastLocation = strings.TrimPrefix(newState, "zone.")
		m.mu.Unlock()
		m.logger.Debug("location updated", "entity_id", entityID, "location", newState)
		return
	}

	m.mu.Lock()
	from := m.status.State
	m.status.LastDetected = m.now()
	m.status.LastLocation = m.cfg.DefaultLocation
	if from != Home {
		m.status.State = Home
		m.status.Since = m.status.LastDetected
	}
	m.mu.Unlock()

	m.logger.Info("user detected at home", "entity_id", entityID, "previous", oldState)
	if from != Home {
		m.changed(from, Home, m.cfg.DefaultLocation)
	}

	if s := m.affect.State(); s == affect.Concerned || s == affect.Worried {
		m.affect.ExpressJoy(ctx)
	}
}

// Tick checks how long ago the user was last detected. Past the missing
// threshold it escalates once per absence; past the away threshold it
// marks the user away.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	elapsed := now.Sub(m.status.LastDetected)
	from := m.status.State
	location := m.status.LastLocation

	var to State
	switch {
	case elapsed > m.cfg.MissingAfter:
		if from != Missing {
			to = Missing
		}
	case elapsed > m.cfg.AwayAfter:
		if from == Home {
			to = Away
		}
	}
	if to != "" {
		m.status.State = to
		m.status.Since = now
	}
	m.mu.Unlock()

	if to == "" {
		return
	}
	m.changed(from, to, location)

	if to == Missing {
		m.logger.Warn("user may be missing", "last_detected", elapsed.Round(time.Minute), "last_location", location)
		m.affect.ExpressConcern(ctx, affect.ReasonLongAbsence)
		m.findUser(ctx, location, elapsed)
	}
}

// Run ticks every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// findUser looks for the user through the camera at their last known
// location and then alerts the emergency contact. Every step is best
// effort.
func (m *Monitor) findUser(ctx context.Context, location string, elapsed time.Duration) {
	var sighting string
	if camera := m.cameraAt(location); camera != "" && m.eyes != nil {
		m.logger.Info("checking camera for user", "location", location, "camera", camera)
		desc, err := m.eyes.Describe(ctx, camera)
		if err != nil {
			m.logger.Warn("camera check failed", "camera", camera, "error", err)
		} else {
			sighting = desc
			m.logger.Info("camera check complete", "camera", camera, "description", desc)
		}
	} else {
		m.logger.Debug("no camera available for user search", "location", location)
	}

	if m.notify == nil {
		m.logger.Debug("no emergency contact configured")
		return
	}
	msg := fmt.Sprintf("已经 %.0f 小时没有检测到用户，最后位置：%s。", elapsed.Hours(), location)
	if sighting != "" {
		msg += "摄像头画面：" + sighting
	}
	if err := m.notify(ctx, "星黎：用户可能失踪", msg); err != nil {
		m.logger.Warn("emergency notification failed", "error", err)
		return
	}
	m.logger.Info("emergency contact notified")
}

// cameraAt returns a camera entity for location: one whose device name
// mentions it, else the primary camera.
func (m *Monitor) cameraAt(location string) string {
	if m.devices == nil {
		return ""
	}
	snap := m.devices.Snapshot()
	for _, d := range snap.Devices(device.RoleEyes) {
		if location != "" && strings.Contains(d.Name, location) && len(d.Entities) > 0 {
			return d.Entities[0]
		}
	}
	if d, ok := snap.Primary(device.RoleEyes); ok && len(d.Entities) > 0 {
		return d.Entities[0]
	}
	return ""
}

func (m *Monitor) changed(from, to State, location string) {
	m.logger.Info("presence changed", "from", from, "to", to)
	m.bus.Emit(events.SourcePresence, events.KindPresenceChanged, map[string]any{
		"from":     string(from),
		"to":       string(to),
		"location": location,
	})
}
