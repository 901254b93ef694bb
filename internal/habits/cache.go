// Package habits remembers which action a command led to at a given
// hour of day, so a repeated command can skip parsing and remote calls.
// Entries live for the lifetime of the process.
package habits

import (
	"strings"
	"sync"
	"time"

	"github.com/boluohome/xingli/internal/action"
)

// Key identifies a learned behavior.
type Key struct {
	Command string `json:"command"`
	Hour    int    `json:"hour"`
}

// Entry is a learned behavior.
type Entry struct {
	Key
	Action    action.Action `json:"-"`
	LearnedAt time.Time     `json:"learned_at"`
	Hits      int           `json:"hits"`
}

// Moment is anything that knows its hour of day.
// environment.Context satisfies it.
type Moment interface {
	Hour() int
}

// Match says how a lookup was satisfied.
type Match string

// Match kinds.
const (
	MatchNone  Match = ""
	MatchExact Match = "exact"
	MatchFuzzy Match = "fuzzy"
)

// Cache is an insertion-ordered map from [Key] to action.
type Cache struct {
	now func() time.Time

	mu      sync.RWMutex
	entries []Entry
	index   map[Key]int
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{now: time.Now, index: make(map[Key]int)}
}

// Lookup finds an action for command at the hour of when. An exact
// (command, hour) entry wins; otherwise the earliest-learned entry for
// the same hour whose command is contained in command is used.
func (c *Cache) Lookup(command string, when Moment) (action.Action, Match) {
	if command == "" {
		return nil, MatchNone
	}
	hour := when.Hour()

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[Key{command, hour}]; ok {
		c.entries[i].Hits++
		return c.entries[i].Action, MatchExact
	}
	for i := range c.entries {
		e := &c.entries[i]
		if e.Hour == hour && strings.Contains(command, e.Command) {
			e.Hits++
			return e.Action, MatchFuzzy
		}
	}
	return nil, MatchNone
}

// Learn stores a for (command, hour of when), replacing any earlier
// action for that key in place. Empty commands and nil actions are
// ignored.
func (c *Cache) Learn(command string, when Moment, a action.Action) {
	if command == "" || a == nil {
		return
	}
	k := Key{command, when.Hour()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[k]; ok {
		c.entries[i].Action = a
		c.entries[i].LearnedAt = c.now()
		return
	}
	c.index[k] = len(c.entries)
	c.entries = append(c.entries, Entry{Key: k, Action: a, LearnedAt: c.now()})
}

// Entries returns a copy of all entries in insertion order.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of learned behaviors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
