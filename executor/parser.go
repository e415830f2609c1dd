package executor

import (
	"encoding/json"
	"strings"

	"github.com/evolving-machines-lab/evolve/core"
)

// StreamParser turns one line of agent stdout into an event. ok=false
// drops the line.
type StreamParser interface {
	ParseLine(line string) (core.AgentEvent, bool)
}

// JSONLinesParser handles the common agent CLI stream format: one JSON
// event object per line, with non-JSON lines surfaced as raw text.
type JSONLinesParser struct{}

func (JSONLinesParser) ParseLine(line string) (core.AgentEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return core.AgentEvent{}, false
	}
	if strings.HasPrefix(trimmed, "{") {
		var ev core.AgentEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil && ev.Type != "" {
			ev.Raw = line
			return ev, true
		}
	}
	return core.AgentEvent{Type: "text", Text: trimmed, Raw: line}, true
}
