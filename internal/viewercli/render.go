package viewercli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/store"
)

const maxResultLen = 200

// formatEvent renders one live envelope as a single line. ok is false for
// events the viewer does not display.
func formatEvent(env *event.Envelope) (line string, ok bool) {
	switch v := env.Variant().(type) {
	case event.Lifecycle:
		if v.AgentName != "" {
			return fmt.Sprintf("--- %s (%s) ---", v.Type, v.AgentName), true
		}
		return fmt.Sprintf("--- %s ---", v.Type), true
	case event.UserInput:
		return "> " + v.Content, true
	case event.Message:
		role := v.Role
		if role == "" {
			role = "agent"
		}
		return fmt.Sprintf("[%s] %s", role, v.Content), true
	case event.Thinking:
		if v.Start {
			return "... thinking", true
		}
		return "... done", true
	case event.ToolCallStart:
		return formatToolStart(v), true
	case event.ToolCallEnd:
		return formatToolEnd(v), true
	case event.Error:
		return "! error: " + v.Message, true
	case event.InterruptEvent:
		names := make([]string, 0, len(v.Interrupts))
		for _, in := range v.Interrupts {
			names = append(names, in.Name)
		}
		return "? waiting for input: " + strings.Join(names, ", "), true
	default:
		return "", false
	}
}

// formatItem renders a timeline item. Tool calls print their start and, once
// known, their result on the following line.
func formatItem(item store.Item) string {
	if item.Kind != store.ItemToolCall || item.ToolCall == nil {
		line, _ := formatEvent(item.Event)
		return line
	}
	call := item.ToolCall
	var lines []string
	if call.Start != nil {
		line, _ := formatEvent(call.Start)
		lines = append(lines, line)
	}
	if call.End != nil {
		line, _ := formatEvent(call.End)
		lines = append(lines, line)
	} else {
		lines = append(lines, "  (running)")
	}
	return strings.Join(lines, "\n")
}

func formatToolStart(v event.ToolCallStart) string {
	name := v.ToolName
	if name == "" {
		name = "tool"
	}
	if len(v.Input) == 0 {
		return fmt.Sprintf("-> %s [%s]", name, v.ToolID)
	}
	input, err := json.Marshal(v.Input)
	if err != nil {
		return fmt.Sprintf("-> %s [%s]", name, v.ToolID)
	}
	return fmt.Sprintf("-> %s [%s] %s", name, v.ToolID, truncate(string(input)))
}

func formatToolEnd(v event.ToolCallEnd) string {
	if v.Error != "" {
		return fmt.Sprintf("<- [%s] failed: %s", v.ToolID, truncate(v.Error))
	}
	return fmt.Sprintf("<- [%s] %s", v.ToolID, truncate(v.Result))
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxResultLen {
		return s
	}
	return string(r[:maxResultLen]) + "..."
}
