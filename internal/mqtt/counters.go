package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/boluohome/xingli/internal/deepseek"
)

// DailyCounters tracks today's commands and DeepSeek token usage. The
// counters reset at local midnight. It implements
// deepseek.UsageObserver so it can be wired straight into the client.
type DailyCounters struct {
	loc *time.Location
	now func() time.Time

	mu       sync.Mutex
	day      string
	commands int64
	input    int64
	output   int64
	calls    int64
	lastText string
	lastAt   time.Time
}

// NewDailyCounters creates counters that roll over at midnight in loc.
// If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// RecordCommand counts a handled command and remembers it as the last.
func (d *DailyCounters) RecordCommand(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.commands++
	d.lastText = text
	d.lastAt = d.now()
}

// ObserveUsage implements deepseek.UsageObserver.
func (d *DailyCounters) ObserveUsage(_ context.Context, r deepseek.Report) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(r.Usage.PromptTokens)
	d.output += int64(r.Usage.CompletionTokens)
	d.calls++
}

// Totals is a copy of the counters.
type Totals struct {
	Commands     int64
	InputTokens  int64
	OutputTokens int64
	RemoteCalls  int64
	LastCommand  string
	LastAt       time.Time
}

// Snapshot returns today's totals after checking for midnight rollover.
// The last command survives the rollover.
func (d *DailyCounters) Snapshot() Totals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return Totals{
		Commands:     d.commands,
		InputTokens:  d.input,
		OutputTokens: d.output,
		RemoteCalls:  d.calls,
		LastCommand:  d.lastText,
		LastAt:       d.lastAt,
	}
}

func (d *DailyCounters) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the counters if the local date changed. Must be
// called with d.mu held.
func (d *DailyCounters) maybeReset() {
	if today := d.today(); today != d.day {
		d.commands, d.input, d.output, d.calls = 0, 0, 0, 0
		d.day = today
	}
}
