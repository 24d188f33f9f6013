package store

import "github.com/agent-visualizer/backend/internal/event"

// PairToolCall returns the tool_call_end matching the tool_call_start at
// events[start]: the first later end event with the same tool id. It returns
// -1 when start is not a tool_call_start with an id, or no end exists yet.
func PairToolCall(events []*event.Envelope, start int) int {
	if start < 0 || start >= len(events) {
		return -1
	}
	s := events[start].Normalize()
	if s.Type != event.TypeToolCallStart || s.ToolID == "" {
		return -1
	}
	for i := start + 1; i < len(events); i++ {
		if events[i].Type != event.TypeToolCallEnd {
			continue
		}
		if events[i].Normalize().ToolID == s.ToolID {
			return i
		}
	}
	return -1
}

// ToolCall is a tool invocation with its result, when one has arrived.
type ToolCall struct {
	Start *event.Envelope
	End   *event.Envelope
}

// Pending reports whether the tool has not finished yet.
func (c ToolCall) Pending() bool {
	return c.End == nil
}

// ToolCalls pairs every tool_call_start in events with its end event.
func ToolCalls(events []*event.Envelope) []ToolCall {
	var calls []ToolCall
	for i, env := range events {
		if env.Type != event.TypeToolCallStart {
			continue
		}
		call := ToolCall{Start: env}
		if j := PairToolCall(events, i); j >= 0 {
			call.End = events[j]
		}
		calls = append(calls, call)
	}
	return calls
}

// ItemKind identifies how a timeline item renders.
type ItemKind string

const (
	ItemLifecycle ItemKind = "lifecycle"
	ItemUserInput ItemKind = "user_input"
	ItemMessage   ItemKind = "message"
	ItemThinking  ItemKind = "thinking"
	ItemToolCall  ItemKind = "tool_call"
	ItemError     ItemKind = "error"
	ItemInterrupt ItemKind = "interrupt"
)

// Item is one rendered row of a session timeline.
type Item struct {
	Kind     ItemKind
	Event    *event.Envelope
	Variant  event.Variant
	ToolCall *ToolCall
}

// Timeline projects the stored events into render items. Tool call ends are
// folded into their start; unknown and control events are skipped.
func (s *Store) Timeline() []Item {
	return BuildTimeline(s.Events())
}

// BuildTimeline is Timeline over an explicit sequence.
func BuildTimeline(events []*event.Envelope) []Item {
	paired := make(map[int]bool)
	items := make([]Item, 0, len(events))

	for i, env := range events {
		if paired[i] {
			continue
		}
		v := env.Variant()
		item := Item{Event: env, Variant: v}

		switch v.(type) {
		case event.Lifecycle:
			item.Kind = ItemLifecycle
		case event.UserInput:
			item.Kind = ItemUserInput
		case event.Message:
			item.Kind = ItemMessage
		case event.Thinking:
			item.Kind = ItemThinking
		case event.ToolCallStart:
			item.Kind = ItemToolCall
			call := &ToolCall{Start: env}
			if j := PairToolCall(events, i); j >= 0 {
				call.End = events[j]
				paired[j] = true
			}
			item.ToolCall = call
		case event.ToolCallEnd:
			// An end without a start still shows its result.
			item.Kind = ItemToolCall
			item.ToolCall = &ToolCall{End: env}
		case event.Error:
			item.Kind = ItemError
		case event.InterruptEvent:
			item.Kind = ItemInterrupt
		default:
			continue
		}
		items = append(items, item)
	}
	return items
}
