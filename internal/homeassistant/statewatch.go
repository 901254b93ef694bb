package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"
	"time"
)

// The presence feed: state_changed events for the tracked person and
// device_tracker entities flow through an EntityFilter and an
// EntityRateLimiter into presence.Monitor.HandleStateChange.

// StateWatchHandler receives each state change that passes the filter
// and rate limiter. presence.Monitor.HandleStateChange is the one in use.
type StateWatchHandler func(ctx context.Context, entityID, oldState, newState string)

// EntityFilter selects the entities presence tracks, by [path.Match]
// globs from presence.track ("person.*", "device_tracker.phone"). An
// empty filter matches everything.
type EntityFilter struct {
	patterns []string
}

// NewEntityFilter creates a filter from glob patterns.
func NewEntityFilter(globs []string) *EntityFilter {
	return &EntityFilter{patterns: globs}
}

// Match reports whether entityID matches at least one pattern.
// Malformed patterns never match.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		if ok, err := path.Match(pat, entityID); err == nil && ok {
			return true
		}
	}
	return false
}

// EntityRateLimiter allows at most limit events per entity within a
// sliding one-minute window, so a flapping phone tracker cannot flood
// the presence monitor. A limit of zero disables it.
type EntityRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string][]time.Time
}

// NewEntityRateLimiter creates a limiter of perMinute events per entity
// (presence.rate_limit_per_minute).
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		seen:   make(map[string][]time.Time),
	}
}

// Allow records an event for entityID and reports whether it is within
// the limit.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	recent := r.seen[entityID][:0]
	for _, ts := range r.seen[entityID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= r.limit {
		r.seen[entityID] = recent
		return false
	}
	r.seen[entityID] = append(recent, now)
	return true
}

// Cleanup forgets entities whose last event fell out of the window.
func (r *EntityRateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for id, ts := range r.seen {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(r.seen, id)
		}
	}
}

// StateWatcher feeds the presence monitor from the WebSocket event
// channel. Only transitions of the state string reach the handler; a
// GPS attribute update on a person who stays "home" does not.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateWatchHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher. A nil filter or limiter disables
// that stage.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, limiter *EntityRateLimiter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &StateWatcher{
		events:  events,
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger.With("component", "statewatch"),
	}
}

// Run dispatches events until ctx is done or the channel closes.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started", "patterns", len(w.filter.patterns))
	defer w.logger.Info("state watcher stopped")

	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			w.limiter.Cleanup()
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *StateWatcher) handle(ctx context.Context, ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("bad state_changed payload", "error", err)
		return
	}
	if data.NewState == nil {
		return
	}

	oldState := ""
	if data.OldState != nil {
		oldState = data.OldState.State
	}
	if oldState == data.NewState.State {
		return
	}

	if !w.filter.Match(data.EntityID) {
		return
	}
	if !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("rate limited state change", "entity_id", data.EntityID)
		return
	}

	w.handler(ctx, data.EntityID, oldState, data.NewState.State)
}
