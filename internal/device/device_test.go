package device

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/boluohome/xingli/internal/events"
	"github.com/boluohome/xingli/internal/homeassistant"
)

var testTime = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		meta     Metadata
		entities []string
		want     Role
	}{
		{"camera wins over everything", Metadata{"Xiaomi", "Smart Speaker"}, []string{"media_player.x", "camera.door"}, RoleEyes},
		{"xiaomi speaker", Metadata{"Xiaomi", "Xiaoai Speaker Pro"}, []string{"media_player.xiaoai"}, RoleEars},
		{"mijia case-insensitive", Metadata{"MIJIA Inc", "SPEAKER mini"}, nil, RoleEars},
		{"speaker from other maker", Metadata{"Sonos", "One Speaker"}, []string{"media_player.sonos"}, RoleMouth},
		{"xiaomi non-speaker", Metadata{"Xiaomi", "Gateway 3"}, []string{"light.gateway"}, RoleHands},
		{"climate is hands", Metadata{}, []string{"climate.ac"}, RoleHands},
		{"cover is hands", Metadata{}, []string{"sensor.pos", "cover.curtain"}, RoleHands},
		{"binary sensor", Metadata{"Aqara", "Door"}, []string{"binary_sensor.door"}, RoleSensors},
		{"uppercase entity domain", Metadata{}, []string{"SENSOR.temp"}, RoleSensors},
		{"no entities", Metadata{"Aqara", "Hub"}, nil, RoleUnassigned},
		{"unknown kinds", Metadata{}, []string{"sun.sun", "update.firmware"}, RoleUnassigned},
		{"entity without dot", Metadata{}, []string{"camera"}, RoleEyes},
		{"empty everything", Metadata{}, []string{""}, RoleUnassigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.meta, tt.entities); got != tt.want {
				t.Errorf("Classify(%+v, %v) = %q, want %q", tt.meta, tt.entities, got, tt.want)
			}
		})
	}
}

func TestClassifier_CustomAudioManufacturers(t *testing.T) {
	c := Classifier{AudioManufacturers: []string{"Baidu"}}
	if got := c.Classify(Metadata{"baidu", "Xiaodu Speaker"}, nil); got != RoleEars {
		t.Errorf("custom manufacturer = %q, want ears", got)
	}
	if got := c.Classify(Metadata{"Xiaomi", "Speaker"}, nil); got != RoleUnassigned {
		t.Errorf("default manufacturer with custom list = %q, want unassigned", got)
	}
}

func TestClassify_Total(t *testing.T) {
	valid := map[Role]bool{RoleEyes: true, RoleEars: true, RoleMouth: true, RoleHands: true, RoleSensors: true, RoleUnassigned: true}
	pieces := []string{"", ".", "camera", "light", "Speaker", "xiaomi", "media_player", "传感器", "sensor.", ".x", "binary_sensor.a.b"}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 2000 {
		pick := func() string { return pieces[rng.IntN(len(pieces))] + pieces[rng.IntN(len(pieces))] }
		entities := make([]string, rng.IntN(4))
		for i := range entities {
			entities[i] = pick()
		}
		meta := Metadata{Manufacturer: pick(), Model: pick()}
		if got := Classify(meta, entities); !valid[got] {
			t.Fatalf("Classify(%+v, %q) = %q, not a defined role", meta, entities, got)
		}
	}
}

type fakeLister struct {
	entries []homeassistant.DeviceEntry
	err     error
	calls   int
}

func (f *fakeLister) ListDevices(context.Context) ([]homeassistant.DeviceEntry, error) {
	f.calls++
	return f.entries, f.err
}

func sampleEntries() []homeassistant.DeviceEntry {
	return []homeassistant.DeviceEntry{
		{ID: "cam1", Name: "卧室摄像头", Manufacturer: "Xiaomi", Model: "Camera", Entities: []string{"camera.bedroom"}},
		{ID: "cam2", Name: "客厅摄像头", Manufacturer: "Xiaomi", Model: "Camera 2K", Entities: []string{"camera.living_room"}},
		{ID: "spk", Name: "小爱音箱", Manufacturer: "Xiaomi", Model: "Smart Speaker", Entities: []string{"media_player.xiaoai"}},
		{ID: "tv", Name: "电视", Manufacturer: "Sony", Model: "Bravia", Entities: []string{"media_player.tv"}},
		{ID: "lamp", Name: "客厅灯", Manufacturer: "Yeelight", Model: "Ceiling", Entities: []string{"light.living_room"}},
		{ID: "th", Name: "温湿度计", Manufacturer: "Aqara", Model: "TH", Entities: []string{"sensor.temperature", "sensor.humidity"}},
		{ID: "hub", Name: "网关", Manufacturer: "Aqara", Model: "Hub"},
	}
}

func TestRegistry_Rebuild(t *testing.T) {
	lister := &fakeLister{entries: sampleEntries()}
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	r := NewRegistry(lister, Classifier{}, bus, nil)
	if r.Snapshot() == nil || r.Snapshot().Count() != 0 {
		t.Fatal("new registry should hold an empty snapshot")
	}

	snap, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if snap != r.Snapshot() {
		t.Error("Rebuild result is not the current snapshot")
	}
	if snap.Count() != 6 {
		t.Errorf("Count() = %d, want 6 (hub is unassigned)", snap.Count())
	}

	seen := map[string]Role{}
	for role, ds := range snap.ByRole() {
		for _, d := range ds {
			if prev, dup := seen[d.ID]; dup {
				t.Errorf("device %s under both %s and %s", d.ID, prev, role)
			}
			seen[d.ID] = role
		}
	}
	if seen["spk"] != RoleEars || seen["tv"] != RoleMouth || seen["th"] != RoleSensors {
		t.Errorf("roles = %v", seen)
	}

	ev := <-sub
	if ev.Kind != events.KindRegistryRebuilt || ev.Data["devices"] != 6 {
		t.Errorf("event = %+v", ev)
	}
}

func TestRegistry_RebuildIdempotent(t *testing.T) {
	r := NewRegistry(&fakeLister{entries: sampleEntries()}, Classifier{}, nil, nil)

	first, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("first Rebuild: %v", err)
	}
	second, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}

	if diff := cmp.Diff(first.ByRole(), second.ByRole()); diff != "" {
		t.Errorf("snapshot changed across identical rebuilds (-first +second):\n%s", diff)
	}
}

func TestRegistry_RebuildErrorKeepsPrevious(t *testing.T) {
	lister := &fakeLister{entries: sampleEntries()}
	r := NewRegistry(lister, Classifier{}, nil, nil)
	good, _ := r.Rebuild(context.Background())

	lister.err = errors.New("websocket not connected")
	got, err := r.Rebuild(context.Background())
	if err == nil {
		t.Fatal("Rebuild should return the lister error")
	}
	if got != good || r.Snapshot() != good {
		t.Error("failed rebuild replaced the snapshot")
	}
}

func TestRegistry_ZeroDevices(t *testing.T) {
	r := NewRegistry(&fakeLister{}, Classifier{}, nil, nil)
	snap, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild with no devices: %v", err)
	}
	if snap.Count() != 0 || len(snap.All()) != 0 {
		t.Errorf("snapshot not empty: %d", snap.Count())
	}
	if _, ok := snap.Primary(RoleMouth); ok {
		t.Error("Primary on empty snapshot should report false")
	}
}

func TestSnapshot_Primary(t *testing.T) {
	r := NewRegistry(&fakeLister{entries: sampleEntries()}, Classifier{}, nil, nil)
	snap, _ := r.Rebuild(context.Background())

	eyes, ok := snap.Primary(RoleEyes)
	if !ok || eyes.ID != "cam2" {
		t.Errorf("Primary(eyes) = %q, want cam2 (name contains 客厅)", eyes.ID)
	}
	mouth, ok := snap.Primary(RoleMouth)
	if !ok || mouth.ID != "tv" {
		t.Errorf("Primary(mouth) = %q, want tv (first device)", mouth.ID)
	}
}

func TestSnapshot_IsImmutable(t *testing.T) {
	snap := NewSnapshot([]Device{{ID: "lamp", Role: RoleHands, Entities: []string{"light.a"}}}, testTime)
	ds := snap.Devices(RoleHands)
	ds[0].Entities[0] = "light.changed"
	ds[0].Name = "changed"

	if got := snap.Devices(RoleHands)[0]; got.Entities[0] != "light.a" || got.Name != "" {
		t.Errorf("snapshot mutated through returned slice: %+v", got)
	}
}
