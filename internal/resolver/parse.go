package resolver

import (
	"strings"

	"github.com/boluohome/xingli/internal/action"
	"github.com/boluohome/xingli/internal/config"
)

// Intents produced by the local parser.
const (
	IntentTurnOnLight  = "turn_on_light"
	IntentTurnOffLight = "turn_off_light"
	IntentViewCamera   = "view_camera"
)

var (
	offKeywords = []string{"关闭", "关掉", "关"}
	onKeywords  = []string{"打开", "开启", "开"}
)

const (
	lightKeyword  = "灯"
	cameraKeyword = "摄像头"
)

// Parser is the rule-based command parser. It understands turning room
// lights on and off and looking through the camera.
type Parser struct {
	rooms       []config.RoomConfig
	defaultRoom config.RoomConfig
}

// NewParser creates a parser for rooms, checked in order. defaultRoom
// names the room used when a light command mentions none of them; if it
// is not among rooms the first room is used.
func NewParser(rooms []config.RoomConfig, defaultRoom string) *Parser {
	p := &Parser{rooms: rooms}
	for _, r := range rooms {
		if r.Keyword == defaultRoom {
			p.defaultRoom = r
			break
		}
	}
	if p.defaultRoom.Light == "" && len(rooms) > 0 {
		p.defaultRoom = rooms[0]
	}
	return p
}

// Parse returns the action for command and its intent, or ok=false when
// no rule applies. Turn-off keywords are checked before turn-on ones so
// that "关闭" is never read as containing "开".
func (p *Parser) Parse(command string) (a action.Action, intent string, ok bool) {
	if strings.Contains(command, lightKeyword) && p.defaultRoom.Light != "" {
		switch {
		case containsAny(command, offKeywords):
			return p.light(command, "turn_off"), IntentTurnOffLight, true
		case containsAny(command, onKeywords):
			return p.light(command, "turn_on"), IntentTurnOnLight, true
		}
	}
	if strings.Contains(command, cameraKeyword) {
		return action.CaptureAndAnalyze{}, IntentViewCamera, true
	}
	return nil, "", false
}

func (p *Parser) light(command, service string) action.ServiceCall {
	return action.ServiceCall{
		Domain:  "light",
		Service: service,
		Target:  map[string]any{"entity_id": p.room(command).Light},
	}
}

func (p *Parser) room(command string) config.RoomConfig {
	for _, r := range p.rooms {
		if r.Keyword != "" && strings.Contains(command, r.Keyword) {
			return r
		}
	}
	return p.defaultRoom
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
