// Package device classifies Home Assistant devices into functional
// roles and keeps the current role snapshot.
package device

import (
	"strings"

	"github.com/boluohome/xingli/internal/homeassistant"
)

// Role is the functional category of a device.
type Role string

// Roles, in classification priority order.
const (
	RoleEyes       Role = "eyes"
	RoleEars       Role = "ears"
	RoleMouth      Role = "mouth"
	RoleHands      Role = "hands"
	RoleSensors    Role = "sensors"
	RoleUnassigned Role = "unassigned"
)

// Roles lists every assigned role in priority order. RoleUnassigned is
// not included because unassigned devices never enter a snapshot.
var Roles = []Role{RoleEyes, RoleEars, RoleMouth, RoleHands, RoleSensors}

// Device is one discovered device with its computed role.
type Device struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Entities     []string `json:"entities"`
	Role         Role     `json:"role"`
}

// Metadata is the descriptive part of a device that classification reads.
type Metadata struct {
	Manufacturer string
	Model        string
}

// DefaultAudioManufacturers are the manufacturer tokens whose speaker
// models count as listening devices.
var DefaultAudioManufacturers = []string{"xiaomi", "mijia"}

var (
	handsKinds   = []string{"switch", "light", "cover", "climate"}
	sensorsKinds = []string{"sensor", "binary_sensor"}
)

// Classifier assigns roles. The zero value uses
// [DefaultAudioManufacturers].
type Classifier struct {
	AudioManufacturers []string
}

// Classify returns the role for a device. The first matching rule wins:
//
//  1. any camera entity: eyes
//  2. audio manufacturer and a model containing "speaker": ears
//  3. any media_player entity: mouth
//  4. any switch, light, cover or climate entity: hands
//  5. any sensor or binary_sensor entity: sensors
//  6. otherwise: unassigned
//
// Matching is case-insensitive and never fails.
func (c Classifier) Classify(meta Metadata, entities []string) Role {
	kinds := make(map[string]bool, len(entities))
	for _, e := range entities {
		kinds[entityKind(e)] = true
	}
	has := func(ks ...string) bool {
		for _, k := range ks {
			if kinds[k] {
				return true
			}
		}
		return false
	}

	switch {
	case has("camera"):
		return RoleEyes
	case c.isAudio(meta):
		return RoleEars
	case has("media_player"):
		return RoleMouth
	case has(handsKinds...):
		return RoleHands
	case has(sensorsKinds...):
		return RoleSensors
	default:
		return RoleUnassigned
	}
}

func (c Classifier) isAudio(meta Metadata) bool {
	model := strings.ToLower(meta.Model)
	if model == "" || !strings.Contains(model, "speaker") {
		return false
	}
	manufacturer := strings.ToLower(meta.Manufacturer)
	if manufacturer == "" {
		return false
	}
	tokens := c.AudioManufacturers
	if len(tokens) == 0 {
		tokens = DefaultAudioManufacturers
	}
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" && strings.Contains(manufacturer, tok) {
			return true
		}
	}
	return false
}

// Classify classifies with the default classifier.
func Classify(meta Metadata, entities []string) Role {
	return Classifier{}.Classify(meta, entities)
}

// entityKind is the lowercased domain prefix of an entity ID. An ID
// without a dot is its own kind.
func entityKind(entityID string) string {
	return strings.ToLower(strings.TrimSpace(homeassistant.EntityDomain(entityID)))
}
