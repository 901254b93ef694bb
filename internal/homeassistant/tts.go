package homeassistant

import (
	"context"
	"errors"
	"fmt"
)

// serviceCaller is the part of [Client] the speech and notify helpers use.
type serviceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// TTS speaks text through a speaker entity using a configurable service,
// tts.xiaomi_miot_say by default.
type TTS struct {
	caller       serviceCaller
	domain       string
	service      string
	messageField string
}

// NewTTS creates a TTS adapter. Empty arguments fall back to
// tts.xiaomi_miot_say with the text in "message".
func NewTTS(caller serviceCaller, domain, service, messageField string) *TTS {
	if domain == "" {
		domain = "tts"
	}
	if service == "" {
		service = "xiaomi_miot_say"
	}
	if messageField == "" {
		messageField = "message"
	}
	return &TTS{caller: caller, domain: domain, service: service, messageField: messageField}
}

// Speak says text on entityID.
func (t *TTS) Speak(ctx context.Context, entityID, text string) error {
	if entityID == "" {
		return errors.New("speak: no speaker entity")
	}
	err := t.caller.CallService(ctx, t.domain, t.service, map[string]any{
		"entity_id":    entityID,
		t.messageField: text,
	})
	if err != nil {
		return fmt.Errorf("speak on %s: %w", entityID, err)
	}
	return nil
}

// Notify sends a push notification through notify.<service>.
func Notify(ctx context.Context, caller serviceCaller, service, title, message string) error {
	if service == "" {
		return errors.New("notify: no service configured")
	}
	data := map[string]any{"message": message}
	if title != "" {
		data["title"] = title
	}
	if err := caller.CallService(ctx, "notify", service, data); err != nil {
		return fmt.Errorf("notify %s: %w", service, err)
	}
	return nil
}
