package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/homeassistant"
)

// primaryHints mark the device a role should use when it has several:
// "main" and "living room".
var primaryHints = []string{"主", "客厅"}

// Snapshot is an immutable grouping of devices by role. Each device
// appears under exactly one role; unassigned devices are left out.
type Snapshot struct {
	BuiltAt time.Time
	roles   map[Role][]Device
}

// NewSnapshot groups devices by their Role field, keeping input order
// within each role.
func NewSnapshot(devices []Device, builtAt time.Time) *Snapshot {
	roles := make(map[Role][]Device)
	for _, d := range devices {
		if d.Role == RoleUnassigned || d.Role == "" {
			continue
		}
		d.Entities = slices.Clone(d.Entities)
		roles[d.Role] = append(roles[d.Role], d)
	}
	return &Snapshot{BuiltAt: builtAt, roles: roles}
}

// Devices returns a copy of the devices holding role.
func (s *Snapshot) Devices(role Role) []Device {
	if s == nil {
		return nil
	}
	return cloneDevices(s.roles[role])
}

// ByRole returns a copy of the full role mapping.
func (s *Snapshot) ByRole() map[Role][]Device {
	out := make(map[Role][]Device)
	if s == nil {
		return out
	}
	for role, ds := range s.roles {
		out[role] = cloneDevices(ds)
	}
	return out
}

// All returns every device in role priority order.
func (s *Snapshot) All() []Device {
	if s == nil {
		return nil
	}
	var out []Device
	for _, role := range Roles {
		out = append(out, cloneDevices(s.roles[role])...)
	}
	return out
}

// Count returns the number of devices in the snapshot.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, ds := range s.roles {
		n += len(ds)
	}
	return n
}

// Primary returns the device a role should act through: the first whose
// name contains 主 or 客厅, otherwise the first device of the role.
func (s *Snapshot) Primary(role Role) (Device, bool) {
	if s == nil || len(s.roles[role]) == 0 {
		return Device{}, false
	}
	ds := s.roles[role]
	for _, d := range ds {
		for _, hint := range primaryHints {
			if strings.Contains(d.Name, hint) {
				return cloneDevice(d), true
			}
		}
	}
	return cloneDevice(ds[0]), true
}

func cloneDevice(d Device) Device {
	d.Entities = slices.Clone(d.Entities)
	return d
}

func cloneDevices(ds []Device) []Device {
	if ds == nil {
		return nil
	}
	out := make([]Device, len(ds))
	for i, d := range ds {
		out[i] = cloneDevice(d)
	}
	return out
}

// Lister enumerates devices with their entities.
// [homeassistant.WSClient] satisfies it.
type Lister interface {
	ListDevices(ctx context.Context) ([]homeassistant.DeviceEntry, error)
}

// Registry owns the current snapshot. Readers call [Registry.Snapshot]
// and always see a fully built value.
type Registry struct {
	lister     Lister
	classifier Classifier
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time

	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry that starts with an empty snapshot.
func NewRegistry(lister Lister, classifier Classifier, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		lister:     lister,
		classifier: classifier,
		bus:        bus,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
	}
	r.current.Store(NewSnapshot(nil, time.Time{}))
	return r
}

// Snapshot returns the current snapshot. It is never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Rebuild lists devices, classifies each one, and swaps in the new
// snapshot. On a listing error the previous snapshot stays in place.
func (r *Registry) Rebuild(ctx context.Context) (*Snapshot, error) {
	entries, err := r.lister.ListDevices(ctx)
	if err != nil {
		r.logger.Warn("device discovery failed, keeping previous snapshot", "error", err)
		return r.Snapshot(), fmt.Errorf("list devices: %w", err)
	}

	devices := make([]Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, Device{
			ID:           e.ID,
			Name:         e.Name,
			Manufacturer: e.Manufacturer,
			Model:        e.Model,
			Entities:     e.Entities,
			Role:         r.classifier.Classify(Metadata{Manufacturer: e.Manufacturer, Model: e.Model}, e.Entities),
		})
	}

	snap := NewSnapshot(devices, r.now())
	r.current.Store(snap)

	byRole := make(map[string]any, len(Roles))
	for _, role := range Roles {
		byRole[string(role)] = len(snap.roles[role])
	}
	r.logger.Info("device registry rebuilt",
		"discovered", len(entries),
		"assigned", snap.Count(),
		"by_role", byRole,
	)
	r.bus.Emit(events.SourceRegistry, events.KindRegistryRebuilt, map[string]any{
		"devices": snap.Count(),
		"by_role": byRole,
	})
	return snap, nil
}

// Run rebuilds immediately and then every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if _, err := r.Rebuild(ctx); err != nil && ctx.Err() == nil {
		r.logger.Debug("initial discovery failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Rebuild(ctx)
		}
	}
}
