package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/boluohome/xingli/internal/device"
)

// ErrNoDevice is returned when no device holds the role an action needs.
var ErrNoDevice = errors.New("no device for role")

// ExecutionError wraps a capability failure inside the executor.
type ExecutionError struct {
	Action Kind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Invoker calls Home Assistant services.
type Invoker interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Speaker speaks text on a speaker entity.
type Speaker interface {
	Speak(ctx context.Context, entityID, text string) error
}

// Vision describes what a camera currently sees.
type Vision interface {
	Describe(ctx context.Context, entityID string) (string, error)
}

// SnapshotSource returns the current device snapshot.
// [device.Registry] satisfies it.
type SnapshotSource interface {
	Snapshot() *device.Snapshot
}

// Result is the outcome of one execution. Analysis carries the camera
// description for a capture.
type Result struct {
	OK       bool
	Analysis string
	Err      error
}

// Executor runs actions. Failures are returned in [Result] and never
// panic or propagate.
type Executor struct {
	invoker Invoker
	speaker Speaker
	vision  Vision
	devices SnapshotSource
	logger  *slog.Logger
}

// NewExecutor creates an executor. A nil vision makes captures fail.
func NewExecutor(invoker Invoker, speaker Speaker, vision Vision, devices SnapshotSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		invoker: invoker,
		speaker: speaker,
		vision:  vision,
		devices: devices,
		logger:  logger.With("component", "executor"),
	}
}

// Execute runs a.
func (x *Executor) Execute(ctx context.Context, a Action) Result {
	if a == nil {
		return x.fail("", errors.New("nil action"))
	}
	start := time.Now()

	var res Result
	switch v := a.(type) {
	case ServiceCall:
		res = x.callService(ctx, v)
	case Speak:
		if err := x.Say(ctx, v.Message); err != nil {
			res = x.fail(KindSpeak, err)
		} else {
			res = Result{OK: true}
		}
	case CaptureAndAnalyze:
		res = x.capture(ctx, v)
	default:
		res = x.fail(a.Kind(), ErrUnknownKind)
	}

	if res.OK {
		x.logger.Info("action executed", "action", a.String(), "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return res
}

func (x *Executor) callService(ctx context.Context, sc ServiceCall) Result {
	if err := x.invoker.CallService(ctx, sc.Domain, sc.Service, sc.ServiceData()); err != nil {
		return x.fail(KindCallService, err)
	}
	return Result{OK: true}
}

func (x *Executor) capture(ctx context.Context, c CaptureAndAnalyze) Result {
	eyes, ok := x.devices.Snapshot().Primary(device.RoleEyes)
	if !ok || len(eyes.Entities) == 0 {
		return x.fail(KindCapture, fmt.Errorf("%w %s", ErrNoDevice, device.RoleEyes))
	}
	if x.vision == nil {
		return x.fail(KindCapture, errors.New("vision not configured"))
	}
	target := c.TargetEntity
	if target == "" {
		target = eyes.Entities[0]
	}
	desc, err := x.vision.Describe(ctx, target)
	if err != nil {
		return x.fail(KindCapture, err)
	}
	return Result{OK: true, Analysis: desc}
}

// Say speaks message on the first entity of the primary mouth device.
func (x *Executor) Say(ctx context.Context, message string) error {
	mouth, ok := x.devices.Snapshot().Primary(device.RoleMouth)
	if !ok || len(mouth.Entities) == 0 {
		return fmt.Errorf("%w %s", ErrNoDevice, device.RoleMouth)
	}
	return x.speaker.Speak(ctx, mouth.Entities[0], message)
}

func (x *Executor) fail(kind Kind, err error) Result {
	execErr := &ExecutionError{Action: kind, Err: err}
	x.logger.Warn("action failed", "action", kind, "error", err)
	return Result{OK: false, Err: execErr}
}
