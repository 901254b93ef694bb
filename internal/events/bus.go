// Package events is an in-process publish/subscribe bus for operational
// events: commands arriving and resolving, actions executed, registry
// rebuilds, presence and affect transitions. The API streams it as
// server-sent events. Publishing on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceHub      = "hub"
	SourceRegistry = "registry"
	SourcePresence = "presence"
	SourceAffect   = "affect"
	SourceDeepSeek = "deepseek"
)

// Kinds, with the data keys each carries.
const (
	// KindCommandReceived: request_id, command.
	KindCommandReceived = "command_received"
	// KindCommandResolved: request_id, source, intent, action.
	KindCommandResolved = "command_resolved"
	// KindCommandFailed: request_id, error.
	KindCommandFailed = "command_failed"
	// KindActionExecuted: request_id, action, ok, duration_ms.
	KindActionExecuted = "action_executed"

	// KindRegistryRebuilt: devices, by_role.
	KindRegistryRebuilt = "registry_rebuilt"

	// KindPresenceChanged: from, to, location.
	KindPresenceChanged = "presence_changed"

	// KindAffectChanged: from, to, trigger.
	KindAffectChanged = "affect_changed"

	// KindRemoteCall: request_id, model, purpose, attempts, tokens_in, tokens_out.
	KindRemoteCall = "remote_call"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// defaultHistory is how many recent events [Bus.Recent] keeps.
const defaultHistory = 200

// Bus broadcasts events to buffered subscriber channels. A slow
// subscriber misses events instead of blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event

	histMu  sync.Mutex
	history []Event
	next    int
	full    bool
}

// New creates a bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		history:    make([]Event, defaultHistory),
	}
}

// Publish delivers e to every subscriber without blocking and records
// it in the recent-event ring. A zero timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.histMu.Lock()
	b.history[b.next] = e
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
	b.histMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	if b == nil || n <= 0 {
		return nil
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()

	size := b.next
	if b.full {
		size = len(b.history)
	}
	n = min(n, size)
	out := make([]Event, 0, n)
	start := (b.next - n + len(b.history)) % len(b.history)
	for i := range n {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// Subscribe returns a channel of future events. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
