package httpkit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/boluohome/xingli/internal/buildinfo"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Header: http.Header{}}
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestNewClient_SetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", got, buildinfo.UserAgent())
	}
}

func TestNewClient_KeepsCallerUserAgent(t *testing.T) {
	var got string
	client := NewClient(WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r.Header.Get("User-Agent")
		return okResponse(), nil
	})))

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "custom/1.0" {
		t.Errorf("User-Agent = %q, want custom/1.0", got)
	}
}

func TestDialRetry_RecoversAfterRefused(t *testing.T) {
	var calls atomic.Int32
	client := NewClient(
		WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return nil, refused()
			}
			return okResponse(), nil
		})),
		WithDialRetry(3, time.Millisecond),
	)

	resp, err := client.Post("http://example.invalid", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if n := calls.Load(); n != 3 {
		t.Errorf("round trips = %d, want 3", n)
	}
}

func TestDialRetry_IgnoresOtherErrors(t *testing.T) {
	var calls atomic.Int32
	client := NewClient(
		WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("tls: bad certificate")
		})),
		WithDialRetry(3, time.Millisecond),
	)

	if _, err := client.Get("http://example.invalid"); err == nil {
		t.Fatal("Get should fail")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("round trips = %d, want 1", n)
	}
}

func TestIsDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", refused(), true},
		{"unreachable", fmt.Errorf("wrap: %w", syscall.EHOSTUNREACH), true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDialError(tt.err); got != tt.want {
				t.Errorf("IsDialError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(body, 10); got != strings.Repeat("x", 10) {
		t.Errorf("ReadErrorBody = %q, want 10 x's", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
