// Package deepseek is a client for the DeepSeek chat completions API.
// Calls share a concurrency ceiling, and each attempt gets its own
// timeout. Transport failures and timeouts are retried with exponential
// backoff; well-formed error responses are not.
package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/boluohome/xingli/internal/config"
	"github.com/boluohome/xingli/internal/httpkit"
)

// Config holds the client settings. Zero values take the defaults of
// the config package, except MaxRetries where 0 means a single attempt.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	Temperature   *float64
	Timeout       time.Duration
	MaxConcurrent int
	MaxRetries    int
	BackoffBase   time.Duration
}

// FromConfig maps the deepseek section of the file config.
func FromConfig(c config.DeepSeekConfig) Config {
	return Config{
		APIKey:        c.APIKey,
		BaseURL:       c.BaseURL,
		Model:         c.Model,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		Timeout:       c.Timeout,
		MaxConcurrent: c.MaxConcurrent,
		MaxRetries:    retries(c.MaxRetries),
		BackoffBase:   c.BackoffBase,
	}
}

func retries(n *int) int {
	if n == nil {
		return *config.Default().DeepSeek.MaxRetries
	}
	return *n
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff sleep. Tests record the delays with it.
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithUsageObserver adds an observer notified after each successful call.
func WithUsageObserver(o UsageObserver) Option {
	return func(c *Client) { c.observers = append(c.observers, o) }
}

// Client calls the chat completions endpoint.
type Client struct {
	cfg       Config
	http      *http.Client
	sem       *semaphore.Weighted
	sleep     SleepFunc
	observers []UsageObserver
	logger    *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "deepseek")
	def := config.Default().DeepSeek
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}

	c := &Client{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sleep:  sleepCtx,
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		// Per-attempt deadlines come from the context.
		c.http = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))
	}
	return c
}

// Complete sends a system prompt and a user message to the default model
// and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.CompleteMessages(ctx, Request{
		Purpose: PurposeCommand,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteMessages sends req and returns the first choice. The
// concurrency slot is held across all retries of the call.
func (c *Client) CompleteMessages(ctx context.Context, req Request) (*Completion, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	if body.Temperature == nil {
		body.Temperature = c.cfg.Temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for slot: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffBase << (attempt - 1)
			c.logger.Warn("deepseek call failed, retrying",
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries,
				"delay", delay,
				"error", lastErr,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		out, err := c.attempt(ctx, payload)
		if err == nil {
			out.Attempts = attempt + 1
			c.observe(ctx, req.Purpose, out, time.Since(start))
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, &ExhaustedError{Attempts: c.cfg.MaxRetries + 1, Last: lastErr}
}

func (c *Client) attempt(ctx context.Context, payload []byte) (*Completion, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	c.logger.Log(ctx, config.LevelTrace, "deepseek request", "body", string(payload))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Error("deepseek returned error status", "status", resp.StatusCode, "body", body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Log(ctx, config.LevelTrace, "deepseek response", "body", string(raw))

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, &ProtocolError{Reason: "undecodable response", Err: err}
	}
	if len(cr.Choices) == 0 {
		return nil, &ProtocolError{Reason: "response has no choices"}
	}
	return &Completion{
		Text:  cr.Choices[0].Message.Content,
		Model: cr.Model,
		Usage: cr.Usage,
	}, nil
}

func (c *Client) observe(ctx context.Context, purpose string, out *Completion, elapsed time.Duration) {
	model := out.Model
	if model == "" {
		model = c.cfg.Model
	}
	rep := Report{
		RequestID: RequestIDFrom(ctx),
		Model:     model,
		Purpose:   purpose,
		Usage:     out.Usage,
		Attempts:  out.Attempts,
		Elapsed:   elapsed,
	}
	c.logger.Debug("deepseek call complete",
		"model", model,
		"purpose", purpose,
		"attempts", out.Attempts,
		"tokens_in", out.Usage.PromptTokens,
		"tokens_out", out.Usage.CompletionTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	for _, o := range c.observers {
		o.ObserveUsage(ctx, rep)
	}
}

// retryable reports whether err came from the network or a timeout
// rather than from the server's answer.
func retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}
