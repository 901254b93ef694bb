package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/affect"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/habits"
	"github.com/boluohome/xingli/internal/hub"
	"github.com/boluohome/xingli/internal/presence"
	"github.com/boluohome/xingli/internal/usage"
)

type fakeCommander struct {
	got []string
}

func (f *fakeCommander) HandleCommand(_ context.Context, text string) hub.Response {
	f.got = append(f.got, text)
	return hub.Response{Response: "操作已完成", RequestID: "req-1", Source: "local", OK: true}
}

type fakeRegistry struct {
	snap       *device.Snapshot
	rebuildErr error
	rebuilds   int
}

func (f *fakeRegistry) Snapshot() *device.Snapshot { return f.snap }

func (f *fakeRegistry) Rebuild(context.Context) (*device.Snapshot, error) {
	f.rebuilds++
	if f.rebuildErr != nil {
		return nil, f.rebuildErr
	}
	return f.snap, nil
}

type fakeHistory []environment.Context

func (f fakeHistory) History() []environment.Context { return f }

type fakePresence presence.Status

func (f fakePresence) Status() presence.Status { return presence.Status(f) }

type fakeUsage struct {
	start, end time.Time
}

func (f *fakeUsage) Summary(start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return &usage.Summary{TotalRecords: 2, TotalInputTokens: 100, TotalOutputTokens: 20, TotalCostUSD: 0.01}, nil
}

func (f *fakeUsage) SummaryByModel(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"deepseek-chat": {TotalRecords: 2}}, nil
}

func (f *fakeUsage) SummaryByPurpose(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"command": {TotalRecords: 2}}, nil
}

func (f *fakeUsage) ForRequest(_ context.Context, id string) ([]usage.Record, error) {
	if id != "req-1" {
		return nil, nil
	}
	return []usage.Record{
		{ID: "u1", RequestID: "req-1", Model: "deepseek-chat", Purpose: "command", InputTokens: 80, OutputTokens: 12, Attempts: 2},
	}, nil
}

type hour int

func (h hour) Hour() int { return int(h) }

var testNow = time.Date(2026, 3, 14, 20, 30, 0, 0, time.UTC)

type rig struct {
	srv      *Server
	commands *fakeCommander
	registry *fakeRegistry
	usage    *fakeUsage
	bus      *events.Bus
}

func newRig(t *testing.T) *rig {
	t.Helper()

	snap := device.NewSnapshot([]device.Device{
		{ID: "d1", Name: "客厅灯", Entities: []string{"light.living_room"}, Role: device.RoleHands},
		{ID: "d2", Name: "门口摄像头", Entities: []string{"camera.door"}, Role: device.RoleEyes},
	}, testNow)

	cache := habits.New()
	cache.Learn("打开客厅的灯", hour(20), action.ServiceCall{
		Domain: "light", Service: "turn_on",
		Target: map[string]any{"entity_id": "light.living_room"},
	})

	bus := events.New()
	aff := affect.NewEngine(nil, 10, bus, nil,
		affect.WithClock(func() time.Time { return testNow }),
		affect.WithPicker(func(int) int { return 0 }),
	)
	aff.ExpressJoy(context.Background())

	r := &rig{
		commands: &fakeCommander{},
		registry: &fakeRegistry{snap: snap},
		usage:    &fakeUsage{},
		bus:      bus,
	}
	r.srv = NewServer("", 0, Deps{
		Commander: r.commands,
		Registry:  r.registry,
		History:   fakeHistory{{Timestamp: testNow, Affect: affect.Calm}},
		Habits:    cache,
		Affect:    aff,
		Presence:  fakePresence{State: presence.Home, LastLocation: "home", LastDetected: testNow, Since: testNow},
		Usage:     r.usage,
		Bus:       bus,
	}, nil)
	r.srv.now = func() time.Time { return testNow }
	return r
}

func (r *rig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCommand(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodPost, "/v1/command", `{"command":"  打开客厅的灯 "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got hub.Response
	decode(t, rec, &got)
	want := hub.Response{Response: "操作已完成", RequestID: "req-1", Source: "local", OK: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"打开客厅的灯"}, r.commands.got); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestCommand_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty command", `{"command":""}`},
		{"blank command", `{"command":"   "}`},
		{"missing command", `{}`},
		{"invalid json", `{"command":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			rec := r.do(t, http.MethodPost, "/v1/command", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(r.commands.got) != 0 {
				t.Errorf("commander called with %v", r.commands.got)
			}
		})
	}
}

func TestCommand_MethodNotAllowed(t *testing.T) {
	r := newRig(t)
	if rec := r.do(t, http.MethodGet, "/v1/command", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestDiscover(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodPost, "/v1/discover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got discoverResponse
	decode(t, rec, &got)
	want := discoverResponse{
		Devices: 2,
		ByRole:  map[device.Role]int{device.RoleHands: 1, device.RoleEyes: 1},
		BuiltAt: testNow,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("discover mismatch (-want +got):\n%s", diff)
	}
	if r.registry.rebuilds != 1 {
		t.Errorf("rebuilds = %d, want 1", r.registry.rebuilds)
	}
}

func TestDiscover_Failure(t *testing.T) {
	r := newRig(t)
	r.registry.rebuildErr = errors.New("ha unreachable")

	rec := r.do(t, http.MethodPost, "/v1/discover", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ha unreachable") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestDevices(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/devices", "")
	var got struct {
		Count   int                             `json:"count"`
		Devices map[device.Role][]device.Device `json:"devices"`
	}
	decode(t, rec, &got)
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}
	if eyes := got.Devices[device.RoleEyes]; len(eyes) != 1 || eyes[0].Entities[0] != "camera.door" {
		t.Errorf("eyes = %+v", eyes)
	}
}

func TestDevices_NoSnapshot(t *testing.T) {
	r := newRig(t)
	r.registry.snap = nil

	rec := r.do(t, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"devices":{}`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHabits(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/habits", "")
	var got struct {
		Habits []habitView `json:"habits"`
	}
	decode(t, rec, &got)
	if len(got.Habits) != 1 {
		t.Fatalf("habits = %+v", got.Habits)
	}
	h := got.Habits[0]
	if h.Command != "打开客厅的灯" || h.Hour != 20 || h.Action != "light.turn_on light.living_room" {
		t.Errorf("habit = %+v", h)
	}
}

func TestAffect(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/affect", "")
	var got struct {
		State           affect.State `json:"state"`
		LastInteraction time.Time    `json:"last_interaction"`
	}
	decode(t, rec, &got)
	if got.State != affect.Calm || !got.LastInteraction.Equal(testNow) {
		t.Errorf("affect = %+v", got)
	}
}

func TestAffectMemories(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/affect/memories?keyword=欢迎", "")
	var got struct {
		Recall   string          `json:"recall"`
		Memories []affect.Memory `json:"memories"`
	}
	decode(t, rec, &got)
	if len(got.Memories) != 1 || got.Memories[0].Event != "express_joy" {
		t.Errorf("memories = %+v", got.Memories)
	}
	if !strings.Contains(got.Recall, "不记得关于欢迎") {
		t.Errorf("recall = %q", got.Recall)
	}
}

func TestContextHistory(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/context/history", "")
	var got struct {
		Contexts []environment.Context `json:"contexts"`
	}
	decode(t, rec, &got)
	if len(got.Contexts) != 1 || !got.Contexts[0].Timestamp.Equal(testNow) {
		t.Errorf("contexts = %+v", got.Contexts)
	}
}

func TestPresence(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/presence", "")
	var got presence.Status
	decode(t, rec, &got)
	if got.State != presence.Home || got.LastLocation != "home" {
		t.Errorf("presence = %+v", got)
	}
}

func TestUsage(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/usage?window=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		Window    string                    `json:"window"`
		Total     usage.Summary             `json:"total"`
		ByPurpose map[string]*usage.Summary `json:"by_purpose"`
	}
	decode(t, rec, &got)
	if got.Window != "1h0m0s" || got.Total.TotalInputTokens != 100 || got.ByPurpose["command"] == nil {
		t.Errorf("usage = %+v", got)
	}
	if !r.usage.end.Equal(testNow) || !r.usage.start.Equal(testNow.Add(-time.Hour)) {
		t.Errorf("range = [%v, %v)", r.usage.start, r.usage.end)
	}
}

func TestUsage_DefaultWindow(t *testing.T) {
	r := newRig(t)

	r.do(t, http.MethodGet, "/v1/usage", "")
	if got := r.usage.end.Sub(r.usage.start); got != 24*time.Hour {
		t.Errorf("window = %v, want 24h", got)
	}
}

func TestUsage_Errors(t *testing.T) {
	r := newRig(t)
	if rec := r.do(t, http.MethodGet, "/v1/usage?window=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", rec.Code)
	}

	r.srv.d.Usage = nil
	if rec := r.do(t, http.MethodGet, "/v1/usage", ""); rec.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", rec.Code)
	}
}

func TestRequestUsage(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/v1/usage/requests/req-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		RequestID string         `json:"request_id"`
		Calls     []usage.Record `json:"calls"`
	}
	decode(t, rec, &got)
	if got.RequestID != "req-1" || len(got.Calls) != 1 || got.Calls[0].Attempts != 2 {
		t.Errorf("request usage = %+v", got)
	}

	rec = r.do(t, http.MethodGet, "/v1/usage/requests/unknown", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"calls":[]`) {
		t.Errorf("unknown request: status %d body %s", rec.Code, rec.Body)
	}
}

type fakeUpstream bool

func (f fakeUpstream) IsReady() bool { return bool(f) }

func TestHealthAndVersion(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}

	rec = r.do(t, http.MethodGet, "/v1/version", "")
	var info map[string]string
	decode(t, rec, &info)
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version = %v", info)
	}
}

func TestHealth_Upstream(t *testing.T) {
	tests := []struct {
		name     string
		upstream Upstream
		want     map[string]string
	}{
		{"not wired", nil, map[string]string{"status": "healthy", "homeassistant": "unknown"}},
		{"ready", fakeUpstream(true), map[string]string{"status": "healthy", "homeassistant": "ready"}},
		{"unreachable", fakeUpstream(false), map[string]string{"status": "degraded", "homeassistant": "unreachable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.srv.d.Upstream = tt.upstream

			rec := r.do(t, http.MethodGet, "/health", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var got map[string]string
			decode(t, rec, &got)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("health (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvents_Stream(t *testing.T) {
	r := newRig(t)
	ts := httptest.NewServer(r.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?replay=false", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Wait for the handler to subscribe before publishing.
	for r.bus.SubscriberCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("no subscriber")
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.bus.Emit(events.SourceHub, events.KindCommandReceived, map[string]any{"request_id": "req-9"})

	sc := bufio.NewScanner(resp.Body)
	var kind, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	if kind != events.KindCommandReceived {
		t.Errorf("event kind = %q", kind)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if e.Source != events.SourceHub || e.Data["request_id"] != "req-9" {
		t.Errorf("event = %+v", e)
	}
}

func TestEvents_NoBus(t *testing.T) {
	r := newRig(t)
	r.srv.d.Bus = nil
	if rec := r.do(t, http.MethodGet, "/v1/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
