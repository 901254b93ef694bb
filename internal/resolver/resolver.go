// Package resolver turns a free-text command into an action. It tries
// learned habits first, then the local keyword parser, and only then
// asks DeepSeek. Every outcome is a [Resolution]; Resolve never returns
// an error.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/habits"
	"github.com/boluohome/xingli/internal/prompts"
)

// ApologyText is spoken and returned when a command cannot be resolved.
const ApologyText = "抱歉，处理命令时遇到问题"

// ErrResolutionFailed wraps the cause of a failed resolution.
var ErrResolutionFailed = errors.New("command resolution failed")

// Source says which stage produced a resolution.
type Source string

// Sources.
const (
	SourceCache    Source = "cache"
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// Resolution is the outcome of resolving one command.
type Resolution struct {
	Action   action.Action
	Intent   string
	Response string
	Source   Source
	// Match is set for cache hits.
	Match habits.Match
	// Err is non-nil only for SourceFallback and wraps ErrResolutionFailed.
	Err error
}

// Failed reports whether resolution fell back to the apology.
func (r Resolution) Failed() bool { return r.Source == SourceFallback }

// Apology returns the fallback resolution for cause.
func Apology(cause error) Resolution {
	return Resolution{
		Action:   action.Speak{Message: ApologyText},
		Intent:   "error",
		Response: ApologyText,
		Source:   SourceFallback,
		Err:      fmt.Errorf("%w: %w", ErrResolutionFailed, cause),
	}
}

// Cache is the learned-behavior lookup. [habits.Cache] satisfies it.
type Cache interface {
	Lookup(command string, when habits.Moment) (action.Action, habits.Match)
}

// Completer sends a system prompt and a user message to a language
// model. [deepseek.Client] satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Resolver runs the three resolution stages.
type Resolver struct {
	cache     Cache
	parser    *Parser
	completer Completer
	logger    *slog.Logger
}

// New creates a resolver. A nil completer makes every command the local
// parser cannot handle fail.
func New(cache Cache, parser *Parser, completer Completer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:     cache,
		parser:    parser,
		completer: completer,
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve resolves command in the given environment.
func (r *Resolver) Resolve(ctx context.Context, command string, env environment.Context, snap *device.Snapshot) Resolution {
	if r.cache != nil {
		if a, m := r.cache.Lookup(command, env); a != nil {
			r.logger.Debug("command resolved from habits", "command", command, "match", m, "action", a.String())
			return Resolution{Action: a, Intent: "learned", Source: SourceCache, Match: m}
		}
	}

	if r.parser != nil {
		if a, intent, ok := r.parser.Parse(command); ok {
			r.logger.Debug("command resolved locally", "command", command, "intent", intent, "action", a.String())
			return Resolution{Action: a, Intent: intent, Source: SourceLocal}
		}
	}

	if r.completer == nil {
		return r.fail(command, errors.New("no remote resolver configured"))
	}

	system, err := buildPrompt(env, snap)
	if err != nil {
		return r.fail(command, err)
	}
	text, err := r.completer.Complete(ctx, system, command)
	if err != nil {
		return r.fail(command, fmt.Errorf("remote call: %w", err))
	}
	a, rep, err := parseReply(text)
	if err != nil {
		r.logger.Debug("unusable model reply", "reply", text)
		return r.fail(command, err)
	}

	r.logger.Debug("command resolved remotely", "command", command, "intent", rep.Intent, "action", a.String())
	return Resolution{Action: a, Intent: rep.Intent, Response: rep.Response, Source: SourceRemote}
}

func (r *Resolver) fail(command string, cause error) Resolution {
	r.logger.Warn("command resolution failed", "command", command, "error", cause)
	return Apology(cause)
}

var weekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// rosterEntry is how a device is shown to the model.
type rosterEntry struct {
	Name     string   `json:"name"`
	Entities []string `json:"entities"`
}

func buildPrompt(env environment.Context, snap *device.Snapshot) (string, error) {
	roster := make(map[device.Role][]rosterEntry)
	if snap != nil {
		for role, devs := range snap.ByRole() {
			for _, d := range devs {
				roster[role] = append(roster[role], rosterEntry{Name: d.Name, Entities: d.Entities})
			}
		}
	}

	devices, err := json.Marshal(env.Devices)
	if err != nil {
		return "", fmt.Errorf("marshal device states: %w", err)
	}
	sensors, err := json.Marshal(env.Sensors)
	if err != nil {
		return "", fmt.Errorf("marshal sensors: %w", err)
	}
	rosterJSON, err := json.Marshal(roster)
	if err != nil {
		return "", fmt.Errorf("marshal roster: %w", err)
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	mood := string(env.Affect)
	if mood == "" {
		mood = "calm"
	}
	return prompts.CommandPrompt(mood, ts.Format("2006-01-02 15:04"), weekdays[ts.Weekday()],
		string(devices), string(sensors), string(rosterJSON)), nil
}
