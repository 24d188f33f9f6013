package event

import "encoding/json"

// Variant is the typed view of an envelope. Renderers type-switch on it;
// anything they do not handle falls into Unknown and can be skipped.
type Variant interface {
	variant()
}

// Lifecycle covers session and invocation bookkeeping events.
type Lifecycle struct {
	Type      Type
	AgentName string
}

// UserInput is a user turn as recorded in the transcript.
type UserInput struct {
	Content string
}

// Message is a conversational message from the agent or the user.
type Message struct {
	Role    string
	Content string
}

// Thinking marks the start or end of a model call.
type Thinking struct {
	Start   bool
	Content string
}

// ToolCallStart is emitted before a tool runs.
type ToolCallStart struct {
	ToolID   string
	ToolName string
	Input    map[string]any
}

// ToolCallEnd is emitted after a tool finishes.
type ToolCallEnd struct {
	ToolID string
	Result string
	Error  string
}

// Error reports an agent-side failure.
type Error struct {
	Message string
}

// InterruptEvent reports that the agent paused for the user.
type InterruptEvent struct {
	Interrupts []Interrupt
}

// Control is a relay control frame (input, ping, pong).
type Control struct {
	Type    Type
	Content string
}

// Unknown is any event type this build does not model.
type Unknown struct {
	Envelope *Envelope
}

func (Lifecycle) variant()      {}
func (UserInput) variant()      {}
func (Message) variant()        {}
func (Thinking) variant()       {}
func (ToolCallStart) variant()  {}
func (ToolCallEnd) variant()    {}
func (Error) variant()          {}
func (InterruptEvent) variant() {}
func (Control) variant()        {}
func (Unknown) variant()        {}

// Variant normalizes the envelope and returns its typed view.
func (e *Envelope) Variant() Variant {
	n := e.Normalize()
	switch n.Type {
	case TypeSessionStart, TypeSessionEnd, TypeSessionResumed,
		TypeAgentInitialized, TypeInvocationStart, TypeInvocationEnd:
		return Lifecycle{Type: n.Type, AgentName: n.AgentName}
	case TypeUserInput:
		return UserInput{Content: n.Content}
	case TypeMessage:
		return Message{Role: n.Role, Content: n.Content}
	case TypeThinkingStart:
		return Thinking{Start: true}
	case TypeThinkingEnd:
		return Thinking{Content: n.Content}
	case TypeToolCallStart:
		return ToolCallStart{ToolID: n.ToolID, ToolName: n.ToolName, Input: n.ToolInput}
	case TypeToolCallEnd:
		return ToolCallEnd{ToolID: n.ToolID, Result: n.ResultText(), Error: n.Error}
	case TypeError:
		return Error{Message: n.Error}
	case TypeInterrupt:
		return InterruptEvent{Interrupts: n.Interrupts}
	case TypeInput, TypePing, TypePong:
		return Control{Type: n.Type, Content: n.Content}
	default:
		return Unknown{Envelope: n}
	}
}

// Normalize returns a copy of e in which every modern field left empty is
// filled from the legacy data object, when that object carries it. The
// receiver is not modified. This is the only place the data field is read.
func (e *Envelope) Normalize() *Envelope {
	n := e.Clone()
	if len(e.Data) == 0 {
		return n
	}
	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &legacy); err != nil {
		return n
	}

	fillString(legacy, "content", &n.Content)
	fillString(legacy, "role", &n.Role)
	fillString(legacy, "tool_id", &n.ToolID)
	fillString(legacy, "tool_name", &n.ToolName)
	fillString(legacy, "error", &n.Error)
	fillString(legacy, "agent_name", &n.AgentName)
	if n.ToolInput == nil {
		if raw, ok := legacy["tool_input"]; ok {
			decodeInto(raw, &n.ToolInput)
		}
	}
	if n.Interrupts == nil {
		if raw, ok := legacy["interrupts"]; ok {
			decodeInto(raw, &n.Interrupts)
		}
	}
	if len(n.Result) == 0 {
		if raw, ok := legacy["result"]; ok && !isNull(raw) {
			n.Result = append(json.RawMessage(nil), raw...)
		}
	}
	return n
}

func fillString(legacy map[string]json.RawMessage, key string, dst *string) {
	if *dst != "" {
		return
	}
	if raw, ok := legacy[key]; ok {
		decodeInto(raw, dst)
	}
}
