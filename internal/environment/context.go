// Package environment builds point-in-time snapshots of the home: live
// sensor readings, device states grouped by role, and the current affect
// state. Each snapshot is kept in a small FIFO history.
package environment

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/homeassistant"
)

// fetchConcurrency bounds simultaneous state reads against Home Assistant.
const fetchConcurrency = 8

// absentStates are HA state strings that mean "no reading".
var absentStates = map[string]bool{"": true, "unknown": true, "unavailable": true}

// DeviceState is a device and the states of its entities that could be
// read. Entities with no usable state are left out.
type DeviceState struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	States map[string]string `json:"states"`
}

// Context is an immutable snapshot of the environment at Timestamp.
type Context struct {
	Timestamp time.Time                     `json:"timestamp"`
	DayOfWeek time.Weekday                  `json:"day_of_week"`
	Sensors   map[string]string             `json:"sensors"`
	Devices   map[device.Role][]DeviceState `json:"devices"`
	Affect    affect.State                  `json:"affect"`
}

// Hour is the hour of day (0-23) the context was built in.
func (c Context) Hour() int {
	return c.Timestamp.Hour()
}

// clone copies c down to the state maps so stored history never shares
// memory with what callers hold.
func (c Context) clone() Context {
	out := c
	out.Sensors = maps.Clone(c.Sensors)
	out.Devices = make(map[device.Role][]DeviceState, len(c.Devices))
	for role, states := range c.Devices {
		cp := make([]DeviceState, len(states))
		for i, ds := range states {
			ds.States = maps.Clone(ds.States)
			cp[i] = ds
		}
		out.Devices[role] = cp
	}
	return out
}

// StateFetcher reads one entity state. [homeassistant.Client] satisfies it.
type StateFetcher interface {
	FetchState(ctx context.Context, entityID string) (string, error)
}

// Builder builds contexts and owns the history.
type Builder struct {
	fetcher  StateFetcher
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	history []Context
}

// NewBuilder creates a builder keeping at most historySize contexts.
// A nil fetcher yields contexts with no readings.
func NewBuilder(fetcher StateFetcher, historySize int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize < 1 {
		historySize = 1
	}
	return &Builder{
		fetcher:  fetcher,
		capacity: historySize,
		logger:   logger.With("component", "context"),
		now:      time.Now,
	}
}

// SetClock replaces the time source. loc, when non-nil, is applied to
// every timestamp so the hour matches the household's wall clock.
func (b *Builder) SetClock(now func() time.Time, loc *time.Location) {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		b.now = now
		return
	}
	b.now = func() time.Time { return now().In(loc) }
}

// Build reads every entity in snap, assembles a Context, and appends it
// to the history. Failed reads are logged and recorded as absent; Build
// itself never fails.
func (b *Builder) Build(ctx context.Context, snap *device.Snapshot, mood affect.State) Context {
	ts := b.now()
	c := Context{
		Timestamp: ts,
		DayOfWeek: ts.Weekday(),
		Sensors:   make(map[string]string),
		Devices:   make(map[device.Role][]DeviceState),
		Affect:    mood,
	}

	type slot struct {
		role  device.Role
		index int
	}
	var (
		mu      sync.Mutex
		pending = map[string][]slot{}
		order   []string
	)
	for _, role := range device.Roles {
		for _, d := range snap.Devices(role) {
			if role != device.RoleSensors {
				c.Devices[role] = append(c.Devices[role], DeviceState{ID: d.ID, Name: d.Name, States: map[string]string{}})
			}
			for _, e := range d.Entities {
				if _, seen := pending[e]; !seen {
					order = append(order, e)
				}
				pending[e] = append(pending[e], slot{role, len(c.Devices[role]) - 1})
			}
		}
	}

	if b.fetcher != nil && len(order) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fetchConcurrency)
		for _, entity := range order {
			g.Go(func() error {
				value, ok := b.read(gctx, entity)
				if !ok {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				for _, s := range pending[entity] {
					if s.role == device.RoleSensors {
						c.Sensors[entity] = value
						continue
					}
					c.Devices[s.role][s.index].States[entity] = value
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	b.mu.Lock()
	b.history = append(b.history, c.clone())
	if over := len(b.history) - b.capacity; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
	b.mu.Unlock()

	b.logger.Debug("context built",
		"sensors", len(c.Sensors),
		"entities", len(order),
		"affect", mood,
	)
	return c
}

func (b *Builder) read(ctx context.Context, entity string) (string, bool) {
	value, err := b.fetcher.FetchState(ctx, entity)
	if homeassistant.IsNotFound(err) {
		return "", false
	}
	if err != nil {
		b.logger.Warn("state read failed", "entity_id", entity, "error", err)
		return "", false
	}
	if absentStates[value] {
		return "", false
	}
	return value, true
}

// History returns the retained contexts, oldest first.
func (b *Builder) History() []Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Context, len(b.history))
	for i, c := range b.history {
		out[i] = c.clone()
	}
	return out
}

// Latest returns the most recent context, if any.
func (b *Builder) Latest() (Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return Context{}, false
	}
	return b.history[len(b.history)-1].clone(), true
}
