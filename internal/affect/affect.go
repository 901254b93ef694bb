// Package affect holds the hub's simulated mood. Presence and user
// interaction move it between calm, concerned, worried and happy, and
// each transition that calls for it is voiced through the primary
// speaker.
package affect

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/boluohome/xingli/internal/events"
)

// State is the current mood.
type State string

// States.
const (
	Calm      State = "calm"
	Concerned State = "concerned"
	Worried   State = "worried"
	Happy     State = "happy"
)

// Concern reasons with their own phrase sets.
const (
	ReasonLongAbsence     = "long_time_no_detection"
	ReasonUnusualActivity = "unusual_activity"
)

var concernPhrases = map[string][]string{
	ReasonLongAbsence: {
		"主人，您已经很久没和我说话了，一切都好吗？",
		"我有点担心，您最近都没回家，需要帮忙吗？",
		"星黎想你了，您在哪里？",
	},
	ReasonUnusualActivity: {
		"检测到异常情况！您安全吗？",
		"星黎很担心，请回应我一声",
		"需要我帮忙联系谁吗？",
	},
}

const defaultConcernPhrase = "我有点担心您"

var joyPhrases = []string{
	"您回来啦！星黎好开心！",
	"终于等到您了！",
	"欢迎回家，我一直都在等您呢",
}

var welcomeBackPhrases = []string{
	"您终于理我啦，星黎好开心！",
	"听到您的声音真好，我刚才好担心",
	"您回来了，太好了！",
}

// Voice speaks a line on the household speaker.
type Voice interface {
	Say(ctx context.Context, message string) error
}

// Picker returns an index in [0, n).
type Picker func(n int) int

// Memory is one entry of the interaction log.
type Memory struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
	State   State     `json:"state"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithPicker replaces the phrase picker. Tests pass a deterministic one.
func WithPicker(p Picker) Option {
	return func(e *Engine) { e.pick = p }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the mood state machine. Every event is accepted from every
// state; repeated concern speaks again each time.
type Engine struct {
	voice   Voice
	bus     *events.Bus
	logger  *slog.Logger
	pick    Picker
	now     func() time.Time
	memSize int

	mu              sync.Mutex
	state           State
	lastInteraction time.Time
	memory          []Memory
}

// NewEngine creates a calm engine whose log keeps memorySize entries.
func NewEngine(voice Voice, memorySize int, bus *events.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if memorySize < 1 {
		memorySize = 100
	}
	e := &Engine{
		voice:   voice,
		bus:     bus,
		logger:  logger.With("component", "affect"),
		pick:    rand.IntN,
		now:     time.Now,
		memSize: memorySize,
		state:   Calm,
	}
	for _, o := range opts {
		o(e)
	}
	e.lastInteraction = e.now()
	return e
}

// State returns the current mood.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastInteraction returns when the user last interacted.
func (e *Engine) LastInteraction() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastInteraction
}

// RecordInteraction logs an interaction of the given kind. From
// concerned or worried it moves to happy and says a welcome-back line;
// otherwise the state is unchanged and nothing is said.
func (e *Engine) RecordInteraction(ctx context.Context, kind string) {
	e.mu.Lock()
	from := e.state
	e.lastInteraction = e.now()
	var message string
	if from == Concerned || from == Worried {
		e.state = Happy
		message = e.choose(welcomeBackPhrases)
	}
	e.remember(Memory{Event: kind, Message: message, State: e.state})
	e.mu.Unlock()

	if message != "" {
		e.changed(from, Happy, kind)
		e.say(ctx, message)
	}
}

// ExpressConcern moves to worried for unusual activity and to concerned
// for anything else, then voices a phrase for the reason.
func (e *Engine) ExpressConcern(ctx context.Context, reason string) {
	to := Concerned
	if reason == ReasonUnusualActivity {
		to = Worried
	}

	e.mu.Lock()
	from := e.state
	e.state = to
	message := defaultConcernPhrase
	if phrases, ok := concernPhrases[reason]; ok {
		message = e.choose(phrases)
	}
	e.remember(Memory{Event: "express_concern", Reason: reason, Message: message, State: to})
	e.mu.Unlock()

	e.changed(from, to, reason)
	e.say(ctx, message)
}

// ExpressJoy returns to calm, resets the interaction clock, and voices
// a glad-you're-back phrase.
func (e *Engine) ExpressJoy(ctx context.Context) {
	e.mu.Lock()
	from := e.state
	e.state = Calm
	e.lastInteraction = e.now()
	message := e.choose(joyPhrases)
	e.remember(Memory{Event: "express_joy", Message: message, State: Calm})
	e.mu.Unlock()

	e.changed(from, Calm, "joy")
	e.say(ctx, message)
}

// Memories returns the interaction log, oldest first.
func (e *Engine) Memories() []Memory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.memory)
}

// Recall renders memories whose message contains keyword, or the five
// most recent when keyword is empty.
func (e *Engine) Recall(keyword string) string {
	mems := e.Memories()

	var picked []Memory
	if keyword != "" {
		for _, m := range mems {
			if strings.Contains(m.Message, keyword) {
				picked = append(picked, m)
			}
		}
	} else {
		slices.Reverse(mems)
		picked = mems[:min(5, len(mems))]
	}

	if len(picked) == 0 {
		if keyword == "" {
			return "我还记得我们相处的点点滴滴"
		}
		return fmt.Sprintf("我不记得关于%s的事情了", keyword)
	}

	var sb strings.Builder
	sb.WriteString("我记得我们有过这些互动：\n")
	for _, m := range picked {
		text := m.Message
		if text == "" {
			text = m.Event
		}
		fmt.Fprintf(&sb, "- %s: %s\n", m.Time.Format("2006-01-02 15:04"), text)
	}
	return sb.String()
}

// choose and remember must be called with mu held.
func (e *Engine) choose(phrases []string) string {
	i := e.pick(len(phrases))
	if i < 0 || i >= len(phrases) {
		i = 0
	}
	return phrases[i]
}

func (e *Engine) remember(m Memory) {
	m.Time = e.now()
	e.memory = append(e.memory, m)
	if over := len(e.memory) - e.memSize; over > 0 {
		e.memory = slices.Delete(e.memory, 0, over)
	}
}

func (e *Engine) changed(from, to State, trigger string) {
	if from != to {
		e.logger.Info("affect changed", "from", from, "to", to, "trigger", trigger)
	}
	e.bus.Emit(events.SourceAffect, events.KindAffectChanged, map[string]any{
		"from":    string(from),
		"to":      string(to),
		"trigger": trigger,
	})
}

func (e *Engine) say(ctx context.Context, message string) {
	if e.voice == nil {
		return
	}
	if err := e.voice.Say(ctx, message); err != nil {
		e.logger.Warn("affect speech failed", "message", message, "error", err)
	}
}
