// Package hub is the command entry point. It ties the device registry,
// context builder, resolver, executor, learned habits and affect engine
// together for one free-text command at a time.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/deepseek"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/habits"
	"github.com/boluohome/xingli/internal/resolver"
)

// Reply texts.
const (
	TextDone        = "操作已完成"
	TextCachedFail  = "操作失败"
	TextExecuteFail = "操作失败，请重试"
)

// interactionCommand is the affect interaction kind for a user command.
const interactionCommand = "command"

// Response is the answer to a command.
type Response struct {
	Response  string       `json:"response"`
	RequestID string       `json:"request_id"`
	Source    string       `json:"source"`
	Intent    string       `json:"intent,omitempty"`
	Action    *action.JSON `json:"action,omitempty"`
	OK        bool         `json:"ok"`
	Analysis  string       `json:"analysis,omitempty"`
}

// SnapshotSource returns the current device snapshot.
type SnapshotSource interface {
	Snapshot() *device.Snapshot
}

// ContextBuilder builds and records an environment context.
type ContextBuilder interface {
	Build(ctx context.Context, snap *device.Snapshot, mood affect.State) environment.Context
}

// Resolver turns a command into an action.
type Resolver interface {
	Resolve(ctx context.Context, command string, env environment.Context, snap *device.Snapshot) resolver.Resolution
}

// Executor runs an action.
type Executor interface {
	Execute(ctx context.Context, a action.Action) action.Result
}

// Learner stores a successful command.
type Learner interface {
	Learn(command string, when habits.Moment, a action.Action)
}

// Affect is the part of the affect engine a command touches.
type Affect interface {
	State() affect.State
	RecordInteraction(ctx context.Context, kind string)
}

// CommandObserver is told about every handled command.
type CommandObserver interface {
	RecordCommand(text string)
}

// Deps are the collaborators of a [Hub]. Observer and Bus are optional.
type Deps struct {
	Devices  SnapshotSource
	Context  ContextBuilder
	Resolver Resolver
	Executor Executor
	Habits   Learner
	Affect   Affect
	Observer CommandObserver
	Bus      *events.Bus
}

// Hub handles commands. It is constructed once per process.
type Hub struct {
	d      Deps
	logger *slog.Logger
}

// New creates a hub.
func New(d Deps, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{d: d, logger: logger.With("component", "hub")}
}

// HandleCommand resolves and executes text and returns what to tell the
// user. It never fails; problems are reported in the response text.
func (h *Hub) HandleCommand(ctx context.Context, text string) Response {
	start := time.Now()
	id := newRequestID()
	ctx = deepseek.WithRequestID(ctx, id)
	log := h.logger.With("request_id", id)

	log.Info("command received", "command", text)
	h.d.Bus.Emit(events.SourceHub, events.KindCommandReceived, map[string]any{
		"request_id": id,
		"command":    text,
	})
	if h.d.Observer != nil {
		h.d.Observer.RecordCommand(text)
	}

	h.d.Affect.RecordInteraction(ctx, interactionCommand)
	snap := h.d.Devices.Snapshot()
	env := h.d.Context.Build(ctx, snap, h.d.Affect.State())

	res := h.d.Resolver.Resolve(ctx, text, env, snap)
	if res.Failed() {
		return h.fail(ctx, log, id, res)
	}

	h.d.Bus.Emit(events.SourceHub, events.KindCommandResolved, map[string]any{
		"request_id": id,
		"source":     string(res.Source),
		"intent":     res.Intent,
		"action":     res.Action.String(),
	})

	execStart := time.Now()
	result := h.d.Executor.Execute(ctx, res.Action)
	h.d.Bus.Emit(events.SourceHub, events.KindActionExecuted, map[string]any{
		"request_id":  id,
		"action":      res.Action.String(),
		"ok":          result.OK,
		"duration_ms": time.Since(execStart).Milliseconds(),
	})

	if result.OK && res.Source != resolver.SourceCache {
		h.d.Habits.Learn(text, env, res.Action)
		log.Debug("behavior learned", "command", text, "hour", env.Hour(), "action", res.Action.String())
	}

	out := Response{
		Response:  replyText(res, result),
		RequestID: id,
		Source:    string(res.Source),
		Intent:    res.Intent,
		Action:    &action.JSON{Action: res.Action},
		OK:        result.OK,
		Analysis:  result.Analysis,
	}
	log.Info("command handled",
		"source", res.Source,
		"intent", res.Intent,
		"ok", result.OK,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out
}

// fail speaks the apology and reports it. The apology is never learned.
func (h *Hub) fail(ctx context.Context, log *slog.Logger, id string, res resolver.Resolution) Response {
	log.Warn("command failed", "error", res.Err)
	h.d.Bus.Emit(events.SourceHub, events.KindCommandFailed, map[string]any{
		"request_id": id,
		"error":      errString(res.Err),
	})
	if r := h.d.Executor.Execute(ctx, res.Action); !r.OK {
		log.Debug("apology not spoken", "error", r.Err)
	}
	return Response{
		Response:  resolver.ApologyText,
		RequestID: id,
		Source:    string(res.Source),
		Intent:    res.Intent,
	}
}

func replyText(res resolver.Resolution, result action.Result) string {
	if !result.OK {
		if res.Source == resolver.SourceCache {
			return TextCachedFail
		}
		return TextExecuteFail
	}
	text := TextDone
	if res.Source != resolver.SourceCache && res.Response != "" {
		text = res.Response
	}
	switch {
	case result.Analysis == "":
		return text
	case text == TextDone:
		return result.Analysis
	default:
		return text + "\n" + result.Analysis
	}
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
