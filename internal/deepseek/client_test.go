package deepseek

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/boluohome/xingli/internal/config"
)

const okBody = `{"id":"c1","model":"deepseek-chat","choices":[{"index":0,"message":{"role":"assistant","content":"你好"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func testConfig() Config {
	return Config{
		APIKey:      "sk-0123456789abcdef0123456789abcdef",
		BaseURL:     "https://api.deepseek.test/v1",
		Timeout:     time.Second,
		MaxRetries:  2,
		BackoffBase: 500 * time.Millisecond,
	}
}

func TestComplete_SendsRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-0123456789abcdef0123456789abcdef" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL + "/v1/"
	temp := 0.3
	cfg.Temperature = &temp

	text, err := NewClient(cfg, nil).Complete(context.Background(), "你是星黎", "打开客厅的灯")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "你好" {
		t.Errorf("text = %q, want 你好", text)
	}
	if got.Model != "deepseek-chat" || got.MaxTokens != 512 || got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "打开客厅的灯" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) <= 2 {
			return nil, refused()
		}
		return jsonResponse(http.StatusOK, okBody), nil
	})
	rec := &sleepRecorder{}
	c := NewClient(testConfig(), nil, WithHTTPClient(&http.Client{Transport: rt}), WithSleep(rec.sleep))

	text, err := c.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "你好" {
		t.Errorf("text = %q", text)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(rec.delays) != 2 || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", rec.delays, want)
	}
}

func TestComplete_ExhaustsOnTimeouts(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-r.Context().Done()
		return nil, r.Context().Err()
	})
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	rec := &sleepRecorder{}
	c := NewClient(cfg, nil, WithHTTPClient(&http.Client{Transport: rt}), WithSleep(rec.sleep))

	_, err := c.Complete(context.Background(), "sys", "user")

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ex.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("attempts = %d (reported %d), want 3", calls.Load(), ex.Attempts)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap DeadlineExceeded", err)
	}
}

func TestComplete_ZeroRetriesMakesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, refused()
	})
	cfg := testConfig()
	cfg.MaxRetries = 0
	rec := &sleepRecorder{}
	c := NewClient(cfg, nil, WithHTTPClient(&http.Client{Transport: rt}), WithSleep(rec.sleep))

	_, err := c.Complete(context.Background(), "sys", "user")

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ex.Attempts != 1 || calls.Load() != 1 || len(rec.delays) != 0 {
		t.Errorf("calls = %d, attempts = %d, sleeps = %v; want a single attempt", calls.Load(), ex.Attempts, rec.delays)
	}
}

func TestFromConfig_Retries(t *testing.T) {
	zero := 0
	tests := []struct {
		name string
		in   *int
		want int
	}{
		{"absent takes default", nil, 2},
		{"explicit zero kept", &zero, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromConfig(config.DeepSeekConfig{MaxRetries: tt.in}).MaxRetries
			if got != tt.want {
				t.Errorf("MaxRetries = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComplete_StatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(http.StatusUnauthorized, `{"error":{"message":"Authentication Fails"}}`), nil
	})
	c := NewClient(testConfig(), nil, WithHTTPClient(&http.Client{Transport: rt}), WithSleep((&sleepRecorder{}).sleep))

	_, err := c.Complete(context.Background(), "sys", "user")

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized || !strings.Contains(se.Body, "Authentication Fails") {
		t.Fatalf("err = %v, want StatusError 401", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestComplete_ProtocolErrors(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   `<html>bad gateway</html>`,
		"no choices": `{"choices":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
				calls.Add(1)
				return jsonResponse(http.StatusOK, body), nil
			})
			c := NewClient(testConfig(), nil, WithHTTPClient(&http.Client{Transport: rt}))

			_, err := c.Complete(context.Background(), "sys", "user")
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ProtocolError", err)
			}
			if calls.Load() != 1 {
				t.Errorf("attempts = %d, want 1", calls.Load())
			}
		})
	}
}

func TestComplete_CallerCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		cancel()
		return nil, refused()
	})
	c := NewClient(testConfig(), nil, WithHTTPClient(&http.Client{Transport: rt}), WithSleep((&sleepRecorder{}).sleep))

	_, err := c.Complete(ctx, "sys", "user")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestComplete_ConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return jsonResponse(http.StatusOK, okBody), nil
	})
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	c := NewClient(cfg, nil, WithHTTPClient(&http.Client{Transport: rt}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Complete(context.Background(), "sys", "user"); err != nil {
				t.Errorf("Complete: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
}

func TestComplete_ReportsUsage(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, okBody), nil
	})
	var got Report
	c := NewClient(testConfig(), nil,
		WithHTTPClient(&http.Client{Transport: rt}),
		WithUsageObserver(ObserverFunc(func(_ context.Context, r Report) { got = r })),
	)

	ctx := WithRequestID(context.Background(), "req-42")
	if _, err := c.Complete(ctx, "sys", "user"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.RequestID != "req-42" || got.Purpose != PurposeCommand || got.Model != "deepseek-chat" {
		t.Errorf("report = %+v", got)
	}
	if got.Usage.PromptTokens != 12 || got.Usage.CompletionTokens != 3 || got.Attempts != 1 {
		t.Errorf("usage = %+v attempts = %d", got.Usage, got.Attempts)
	}
}

func TestCompleteMessages_Multimodal(t *testing.T) {
	var raw map[string]any
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		json.NewDecoder(r.Body).Decode(&raw)
		return jsonResponse(http.StatusOK, okBody), nil
	})
	c := NewClient(testConfig(), nil, WithHTTPClient(&http.Client{Transport: rt}))

	_, err := c.CompleteMessages(context.Background(), Request{
		Model:     "deepseek-vision",
		MaxTokens: 300,
		Purpose:   PurposeVision,
		Messages: []Message{{Role: "user", Content: []ContentPart{
			TextPart("描述图像中的场景"),
			ImagePart("data:image/jpeg;base64,AAAA"),
		}}},
	})
	if err != nil {
		t.Fatalf("CompleteMessages: %v", err)
	}
	if raw["model"] != "deepseek-vision" || raw["max_tokens"] != float64(300) {
		t.Errorf("request = %v", raw)
	}
	parts := raw["messages"].([]any)[0].(map[string]any)["content"].([]any)
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	if img["url"] != "data:image/jpeg;base64,AAAA" {
		t.Errorf("image part = %v", parts[1])
	}
}
