package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/boluohome/xingli/internal/action"
)

// ErrMalformedReply is returned when the model's answer is not the JSON
// document the command prompt asks for.
var ErrMalformedReply = errors.New("malformed model reply")

// fenceRe matches a fenced code block; group 1 is the language tag,
// group 2 the body.
var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \\t]*\\n?(.*?)```")

// reply is the document the model is asked to return.
type reply struct {
	Intent   string          `json:"intent"`
	Action   json.RawMessage `json:"action"`
	Response string          `json:"response"`
}

// extractJSON returns the body of the first ```json block in text, else
// of the first untagged block, else the trimmed text itself. Blocks
// tagged with another language are skipped.
func extractJSON(text string) string {
	untagged := ""
	found := false
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		switch {
		case strings.EqualFold(m[1], "json"):
			return strings.TrimSpace(m[2])
		case m[1] == "" && !found:
			untagged, found = strings.TrimSpace(m[2]), true
		}
	}
	if found {
		return untagged
	}
	return strings.TrimSpace(text)
}

// parseReply decodes a model answer into an action.
func parseReply(text string) (action.Action, reply, error) {
	var r reply
	if err := json.Unmarshal([]byte(extractJSON(text)), &r); err != nil {
		return nil, r, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if len(r.Action) == 0 || string(r.Action) == "null" {
		return nil, r, fmt.Errorf("%w: no action", ErrMalformedReply)
	}
	a, err := action.Decode(r.Action)
	if err != nil {
		return nil, r, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return a, r, nil
}
