// Package action defines the actions a resolved command turns into and
// the executor that carries them out against Home Assistant.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Kind is the wire tag of an action.
type Kind string

// Kinds.
const (
	KindCallService Kind = "call_service"
	KindSpeak       Kind = "speak"
	KindCapture     Kind = "capture_image"
)

// defaultSpeakMessage is used when a speak action arrives without text.
const defaultSpeakMessage = "操作完成"

// ErrUnknownKind is returned by [Decode] for an unrecognised type tag.
var ErrUnknownKind = errors.New("unknown action type")

// Action is one of [ServiceCall], [Speak] or [CaptureAndAnalyze].
// Values are treated as immutable once built.
type Action interface {
	Kind() Kind
	// String is a short human-readable form for logs.
	String() string
}

// ServiceCall invokes a Home Assistant service.
type ServiceCall struct {
	Domain  string
	Service string
	Target  map[string]any
	Data    map[string]any
}

// Kind implements [Action].
func (ServiceCall) Kind() Kind { return KindCallService }

func (s ServiceCall) String() string {
	if id, ok := s.Target["entity_id"]; ok {
		return fmt.Sprintf("%s.%s %v", s.Domain, s.Service, id)
	}
	return s.Domain + "." + s.Service
}

// ServiceData merges Target into a copy of Data; target keys win.
func (s ServiceCall) ServiceData() map[string]any {
	out := make(map[string]any, len(s.Data)+len(s.Target))
	maps.Copy(out, s.Data)
	maps.Copy(out, s.Target)
	return out
}

// Speak says a message on the primary speaker.
type Speak struct {
	Message string
}

// Kind implements [Action].
func (Speak) Kind() Kind { return KindSpeak }

func (s Speak) String() string { return "speak " + s.Message }

// CaptureAndAnalyze takes a camera snapshot and describes it. An empty
// TargetEntity means the primary camera.
type CaptureAndAnalyze struct {
	TargetEntity string
}

// Kind implements [Action].
func (CaptureAndAnalyze) Kind() Kind { return KindCapture }

func (c CaptureAndAnalyze) String() string {
	if c.TargetEntity == "" {
		return "capture primary camera"
	}
	return "capture " + c.TargetEntity
}

// wire is the JSON shape shared by all kinds.
type wire struct {
	Type     Kind           `json:"type"`
	Domain   string         `json:"domain,omitempty"`
	Service  string         `json:"service,omitempty"`
	Target   map[string]any `json:"target,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Message  string         `json:"message,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
}

// Marshal encodes an action in its tagged wire form.
func Marshal(a Action) ([]byte, error) {
	var w wire
	switch v := a.(type) {
	case ServiceCall:
		w = wire{Type: KindCallService, Domain: v.Domain, Service: v.Service, Target: v.Target, Data: v.Data}
	case Speak:
		w = wire{Type: KindSpeak, Message: v.Message}
	case CaptureAndAnalyze:
		w = wire{Type: KindCapture, EntityID: v.TargetEntity}
	default:
		return nil, fmt.Errorf("marshal action %T: %w", a, ErrUnknownKind)
	}
	return json.Marshal(w)
}

// Decode parses a tagged wire action. A call_service without domain or
// service is rejected.
func Decode(raw json.RawMessage) (Action, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch w.Type {
	case KindCallService:
		if w.Domain == "" || w.Service == "" {
			return nil, errors.New("decode action: call_service needs domain and service")
		}
		return ServiceCall{Domain: w.Domain, Service: w.Service, Target: w.Target, Data: w.Data}, nil
	case KindSpeak:
		if w.Message == "" {
			w.Message = defaultSpeakMessage
		}
		return Speak{Message: w.Message}, nil
	case KindCapture:
		return CaptureAndAnalyze{TargetEntity: w.EntityID}, nil
	default:
		return nil, fmt.Errorf("decode action %q: %w", w.Type, ErrUnknownKind)
	}
}

// JSON is an [Action] wrapper for embedding in larger JSON documents.
type JSON struct {
	Action
}

// MarshalJSON implements [json.Marshaler].
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.Action == nil {
		return []byte("null"), nil
	}
	return Marshal(j.Action)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (j *JSON) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		j.Action = nil
		return nil
	}
	a, err := Decode(b)
	if err != nil {
		return err
	}
	j.Action = a
	return nil
}
