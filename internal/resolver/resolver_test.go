package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/config"
	"github.com/boluohome/xingli/internal/deepseek"
	"github.com/boluohome/xingli/internal/device"
	"github.com/boluohome/xingli/internal/environment"
	"github.com/boluohome/xingli/internal/habits"
)

type fakeCache struct {
	action action.Action
	calls  int
}

func (f *fakeCache) Lookup(string, habits.Moment) (action.Action, habits.Match) {
	f.calls++
	if f.action == nil {
		return nil, habits.MatchNone
	}
	return f.action, habits.MatchExact
}

type fakeCompleter struct {
	reply  string
	err    error
	calls  int
	system string
	user   string
}

func (f *fakeCompleter) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	return f.reply, f.err
}

func defaultParser() *Parser {
	cfg := config.Default()
	return NewParser(cfg.Parser.Rooms, cfg.Parser.DefaultRoom)
}

func lightCall(service, entity string) action.Action {
	return action.ServiceCall{Domain: "light", Service: service, Target: map[string]any{"entity_id": entity}}
}

var testEnv = environment.Context{
	Timestamp: time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC),
	Sensors:   map[string]string{"sensor.temperature": "21.5"},
}

func TestParse(t *testing.T) {
	p := defaultParser()
	tests := []struct {
		command string
		want    action.Action
		intent  string
	}{
		{"打开客厅的灯", lightCall("turn_on", "light.living_room"), IntentTurnOnLight},
		{"开启卧室灯", lightCall("turn_on", "light.bedroom"), IntentTurnOnLight},
		{"开灯", lightCall("turn_on", "light.living_room"), IntentTurnOnLight},
		{"打开厨房的灯", lightCall("turn_on", "light.living_room"), IntentTurnOnLight},
		{"关闭卧室的灯", lightCall("turn_off", "light.bedroom"), IntentTurnOffLight},
		{"把灯关掉", lightCall("turn_off", "light.living_room"), IntentTurnOffLight},
		{"关灯", lightCall("turn_off", "light.living_room"), IntentTurnOffLight},
		{"看看摄像头", action.CaptureAndAnalyze{}, IntentViewCamera},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, intent, ok := p.Parse(tt.command)
			if !ok {
				t.Fatalf("Parse(%q) did not match", tt.command)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("action mismatch (-want +got):\n%s", diff)
			}
			if intent != tt.intent {
				t.Errorf("intent = %q, want %q", intent, tt.intent)
			}
		})
	}
}

func TestParse_NoMatch(t *testing.T) {
	p := defaultParser()
	for _, cmd := range []string{"", "今天天气怎么样", "灯", "打开空调"} {
		if a, _, ok := p.Parse(cmd); ok {
			t.Errorf("Parse(%q) = %v, want no match", cmd, a)
		}
	}
}

func TestParse_RoomOrder(t *testing.T) {
	p := NewParser([]config.RoomConfig{
		{Keyword: "主卧", Light: "light.master"},
		{Keyword: "卧室", Light: "light.bedroom"},
	}, "卧室")

	a, _, _ := p.Parse("打开主卧室的灯")
	if diff := cmp.Diff(lightCall("turn_on", "light.master"), a); diff != "" {
		t.Errorf("first configured room should win (-want +got):\n%s", diff)
	}
	a, _, _ = p.Parse("开灯")
	if diff := cmp.Diff(lightCall("turn_on", "light.bedroom"), a); diff != "" {
		t.Errorf("default room (-want +got):\n%s", diff)
	}
}

func TestResolve_CacheFirst(t *testing.T) {
	cached := lightCall("turn_off", "light.bedroom")
	cache := &fakeCache{action: cached}
	remote := &fakeCompleter{}
	r := New(cache, defaultParser(), remote, nil)

	res := r.Resolve(context.Background(), "打开客厅的灯", testEnv, nil)

	if res.Source != SourceCache || res.Match != habits.MatchExact {
		t.Errorf("source = %q match = %q, want cache/exact", res.Source, res.Match)
	}
	if diff := cmp.Diff(cached, res.Action); diff != "" {
		t.Errorf("action (-want +got):\n%s", diff)
	}
	if remote.calls != 0 {
		t.Errorf("remote calls = %d, want 0", remote.calls)
	}
}

func TestResolve_LocalBeforeRemote(t *testing.T) {
	cache := &fakeCache{}
	remote := &fakeCompleter{}
	r := New(cache, defaultParser(), remote, nil)

	res := r.Resolve(context.Background(), "打开客厅的灯", testEnv, nil)

	if res.Source != SourceLocal || res.Intent != IntentTurnOnLight {
		t.Errorf("resolution = %+v, want local turn_on_light", res)
	}
	if cache.calls != 1 || remote.calls != 0 {
		t.Errorf("cache calls = %d, remote calls = %d, want 1 and 0", cache.calls, remote.calls)
	}
}

func TestResolve_Remote(t *testing.T) {
	remote := &fakeCompleter{reply: "好的！\n```json\n" +
		`{"intent":"play_music","action":{"type":"call_service","domain":"media_player","service":"media_play","target":{"entity_id":"media_player.xiaoai"}},"response":"为您播放音乐"}` +
		"\n```\n"}
	snap := device.NewSnapshot([]device.Device{
		{ID: "spk", Name: "小爱音箱", Role: device.RoleMouth, Entities: []string{"media_player.xiaoai"}},
	}, testEnv.Timestamp)
	r := New(&fakeCache{}, defaultParser(), remote, nil)

	res := r.Resolve(context.Background(), "放点音乐", testEnv, snap)

	if res.Source != SourceRemote || res.Err != nil {
		t.Fatalf("resolution = %+v, want remote", res)
	}
	want := action.ServiceCall{Domain: "media_player", Service: "media_play", Target: map[string]any{"entity_id": "media_player.xiaoai"}}
	if diff := cmp.Diff(action.Action(want), res.Action); diff != "" {
		t.Errorf("action (-want +got):\n%s", diff)
	}
	if res.Intent != "play_music" || res.Response != "为您播放音乐" {
		t.Errorf("intent/response = %q/%q", res.Intent, res.Response)
	}
	if remote.user != "放点音乐" {
		t.Errorf("user message = %q", remote.user)
	}
	for _, want := range []string{"media_player.xiaoai", "sensor.temperature", "星期日"} {
		if !strings.Contains(remote.system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestResolve_RemoteFailures(t *testing.T) {
	tests := []struct {
		name   string
		remote *fakeCompleter
		is     error
	}{
		{"client error", &fakeCompleter{err: &deepseek.ExhaustedError{Attempts: 3, Last: context.DeadlineExceeded}}, context.DeadlineExceeded},
		{"not json", &fakeCompleter{reply: "我不明白"}, ErrMalformedReply},
		{"no action", &fakeCompleter{reply: `{"intent":"chat","response":"你好"}`}, ErrMalformedReply},
		{"unknown type", &fakeCompleter{reply: `{"intent":"x","action":{"type":"other"},"response":""}`}, action.ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&fakeCache{}, defaultParser(), tt.remote, nil)
			res := r.Resolve(context.Background(), "今天天气怎么样", testEnv, nil)

			if !res.Failed() {
				t.Fatalf("resolution = %+v, want fallback", res)
			}
			if !errors.Is(res.Err, ErrResolutionFailed) || !errors.Is(res.Err, tt.is) {
				t.Errorf("Err = %v, want ErrResolutionFailed wrapping %v", res.Err, tt.is)
			}
			if diff := cmp.Diff(action.Action(action.Speak{Message: ApologyText}), res.Action); diff != "" {
				t.Errorf("apology action (-want +got):\n%s", diff)
			}
			if tt.remote.calls != 1 {
				t.Errorf("remote calls = %d, want 1", tt.remote.calls)
			}
		})
	}
}

func TestResolve_NoCompleter(t *testing.T) {
	r := New(nil, defaultParser(), nil, nil)
	if res := r.Resolve(context.Background(), "讲个笑话", testEnv, nil); !res.Failed() {
		t.Errorf("resolution = %+v, want fallback", res)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "json block", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "first untagged block", in: "前言\n```\n{\"a\":2}\n```\n```{}```", want: `{"a":2}`},
		{name: "bare text", in: "  {\"a\":3}  ", want: `{"a":3}`},
		{name: "json after text block", in: "说明\n```text\n好的，马上开灯\n```\n```json\n{\"a\":4}\n```", want: `{"a":4}`},
		{name: "json preferred over untagged", in: "```\n{\"a\":5}\n```\n```JSON\n{\"a\":6}\n```", want: `{"a":6}`},
		{name: "only other languages", in: "```text\n没有数据\n```", want: "```text\n没有数据\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolve_RemoteSkipsNonJSONBlocks(t *testing.T) {
	remote := &fakeCompleter{reply: "我会这样回答：\n```text\n好的，卧室灯已打开\n```\n```json\n" +
		`{"intent":"light_on","action":{"type":"call_service","domain":"light","service":"turn_on","target":{"entity_id":"light.bedroom"}},"response":"好的"}` +
		"\n```\n"}
	r := New(&fakeCache{}, defaultParser(), remote, nil)

	res := r.Resolve(context.Background(), "让卧室亮一点", testEnv, nil)

	if res.Source != SourceRemote || res.Err != nil {
		t.Fatalf("resolution = %+v, want remote", res)
	}
	if diff := cmp.Diff(lightCall("turn_on", "light.bedroom"), res.Action); diff != "" {
		t.Errorf("action (-want +got):\n%s", diff)
	}
}
