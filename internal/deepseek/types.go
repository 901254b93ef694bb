package deepseek

import (
	"context"
	"fmt"
	"time"
)

// Purposes tag a call for the usage ledger.
const (
	PurposeCommand = "command"
	PurposeVision  = "vision"
)

// Message is one chat message. Content is a string, or a []ContentPart
// for multimodal input.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of multimodal content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image, usually as a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image content part holding a data: URL.
func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}}
}

// Request is one completion call. Empty fields take client defaults.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Purpose     string
}

// Usage is the token accounting returned by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a successful reply.
type Completion struct {
	Text     string
	Model    string
	Usage    Usage
	Attempts int
}

// Report describes a finished call for usage observers.
type Report struct {
	RequestID string
	Model     string
	Purpose   string
	Usage     Usage
	Attempts  int
	Elapsed   time.Duration
}

// UsageObserver is told about every successful call.
type UsageObserver interface {
	ObserveUsage(ctx context.Context, r Report)
}

// ObserverFunc adapts a function to [UsageObserver].
type ObserverFunc func(ctx context.Context, r Report)

// ObserveUsage implements [UsageObserver].
func (f ObserverFunc) ObserveUsage(ctx context.Context, r Report) { f(ctx, r) }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// StatusError is a non-200 reply. It is never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("deepseek: status %d: %s", e.StatusCode, e.Body)
}

// ProtocolError is a 200 reply that could not be used.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deepseek: %s: %v", e.Reason, e.Err)
	}
	return "deepseek: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every attempt failed in transport.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("deepseek: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// transportError marks failures before a response was read: dial,
// TLS, timeouts, and truncated bodies.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "deepseek transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type requestIDKey struct{}

// WithRequestID tags ctx with the id of the command being handled so
// usage reports can be joined back to it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id set by [WithRequestID], or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
