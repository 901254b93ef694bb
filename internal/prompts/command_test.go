package prompts

import (
	"strings"
	"testing"
)

func TestCommandPrompt(t *testing.T) {
	result := CommandPrompt("concerned", "2026-03-01 20:15", "星期日",
		`{"hands":[{"id":"d1"}]}`, `{"sensor.temp":"21.5"}`, `{"hands":["light.living_room"]}`)

	for _, want := range []string{
		"星黎",
		"concerned",
		"2026-03-01 20:15 星期日",
		`"sensor.temp":"21.5"`,
		"light.living_room",
		`"intent"`,
		`"response"`,
		"call_service|speak|capture_image",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt should contain %q", want)
		}
	}
	if strings.Contains(result, "%!") {
		t.Error("prompt has a formatting error")
	}
}

func TestScenePrompt(t *testing.T) {
	if ScenePrompt() != "描述图像中的场景" {
		t.Errorf("ScenePrompt() = %q", ScenePrompt())
	}
}
