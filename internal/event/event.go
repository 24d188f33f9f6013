// Package event defines the envelope exchanged between agent-side emitters,
// the relay and viewers.
//
// Envelopes are decoded leniently: any top-level key the package does not
// know about, or a known key whose value has an unexpected shape, is kept
// verbatim in Extra and written back out by MarshalJSON. This keeps event
// types introduced by newer agents intact while they pass through the relay
// and the viewer's store.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the tag carried in an envelope's "type" field.
type Type string

const (
	TypeSessionStart     Type = "session_start"
	TypeSessionEnd       Type = "session_end"
	TypeSessionResumed   Type = "session_resumed"
	TypeUserInput        Type = "user_input"
	TypeMessage          Type = "message"
	TypeThinkingStart    Type = "thinking_start"
	TypeThinkingEnd      Type = "thinking_end"
	TypeToolCallStart    Type = "tool_call_start"
	TypeToolCallEnd      Type = "tool_call_end"
	TypeError            Type = "error"
	TypeAgentInitialized Type = "agent_initialized"
	TypeInvocationStart  Type = "invocation_start"
	TypeInvocationEnd    Type = "invocation_end"
	TypeInterrupt        Type = "interrupt"

	// Control frames. They travel over the relay but are not agent lifecycle events.
	TypeInput Type = "input"
	TypePing  Type = "ping"
	TypePong  Type = "pong"
)

var known = map[Type]bool{
	TypeSessionStart:     true,
	TypeSessionEnd:       true,
	TypeSessionResumed:   true,
	TypeUserInput:        true,
	TypeMessage:          true,
	TypeThinkingStart:    true,
	TypeThinkingEnd:      true,
	TypeToolCallStart:    true,
	TypeToolCallEnd:      true,
	TypeError:            true,
	TypeAgentInitialized: true,
	TypeInvocationStart:  true,
	TypeInvocationEnd:    true,
	TypeInterrupt:        true,
	TypeInput:            true,
	TypePing:             true,
	TypePong:             true,
}

// IsKnown reports whether t is one of the tags this package understands.
func (t Type) IsKnown() bool {
	return known[t]
}

// IsControl reports whether t is a relay control frame rather than a lifecycle event.
func (t Type) IsControl() bool {
	return t == TypeInput || t == TypePing || t == TypePong
}

// ErrMalformedEnvelope is returned when a payload is not a JSON object with a string type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Interrupt describes one reason an agent stopped to wait for the user.
type Interrupt struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Envelope is a single lifecycle event. Treat it as immutable once emitted;
// use Clone before changing a copy.
type Envelope struct {
	Type      Type   `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Content    string          `json:"content,omitempty"`
	Role       string          `json:"role,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  map[string]any  `json:"tool_input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Interrupts []Interrupt     `json:"interrupts,omitempty"`
	AgentName  string          `json:"agent_name,omitempty"`

	// Data is the legacy catch-all payload. Read it through Normalize only.
	Data json.RawMessage `json:"data,omitempty"`

	// Extra holds top-level keys that are not modelled above, plus known keys
	// whose value the typed field cannot carry: null, an empty string, or an
	// unexpected shape. A typed field that is set wins over its Extra entry.
	Extra map[string]json.RawMessage `json:"-"`
}

// New returns an envelope of type t for sessionID stamped with the current time.
func New(t Type, sessionID string) *Envelope {
	return &Envelope{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
	}
}

// NewInput returns the frame a viewer sends to inject a user turn.
func NewInput(content string) *Envelope {
	return &Envelope{Type: TypeInput, Content: content}
}

// Parse decodes raw into an envelope.
func Parse(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		if errors.Is(err, ErrMalformedEnvelope) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Time parses the envelope's timestamp. Emitters use ISO-8601 with or without a zone.
func (e *Envelope) Time() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", e.Timestamp)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}

	var typ string
	rawType, ok := fields["type"]
	if !ok || json.Unmarshal(rawType, &typ) != nil {
		return fmt.Errorf("%w: missing string type", ErrMalformedEnvelope)
	}
	delete(fields, "type")

	*e = Envelope{Type: Type(typ)}

	decoders := map[string]func(json.RawMessage) bool{
		"timestamp":  func(raw json.RawMessage) bool { return decodeInto(raw, &e.Timestamp) },
		"session_id": func(raw json.RawMessage) bool { return decodeInto(raw, &e.SessionID) },
		"content":    func(raw json.RawMessage) bool { return decodeInto(raw, &e.Content) },
		"role":       func(raw json.RawMessage) bool { return decodeInto(raw, &e.Role) },
		"tool_id":    func(raw json.RawMessage) bool { return decodeInto(raw, &e.ToolID) },
		"tool_name":  func(raw json.RawMessage) bool { return decodeInto(raw, &e.ToolName) },
		"tool_input": func(raw json.RawMessage) bool { return decodeInto(raw, &e.ToolInput) },
		"error":      func(raw json.RawMessage) bool { return decodeInto(raw, &e.Error) },
		"interrupts": func(raw json.RawMessage) bool { return decodeInto(raw, &e.Interrupts) },
		"agent_name": func(raw json.RawMessage) bool { return decodeInto(raw, &e.AgentName) },
	}
	for key, decode := range decoders {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		// null, "" and values with an unexpected shape stay in Extra so the
		// key is written back out.
		if isNull(raw) || !decode(raw) || isEmptyString(raw) {
			continue
		}
		delete(fields, key)
	}

	if raw, ok := fields["result"]; ok && !isNull(raw) {
		e.Result = append(json.RawMessage(nil), raw...)
		delete(fields, "result")
	}
	if raw, ok := fields["data"]; ok && !isNull(raw) {
		e.Data = append(json.RawMessage(nil), raw...)
		delete(fields, "data")
	}

	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+4)
	for k, v := range e.Extra {
		out[k] = v
	}

	out["type"] = e.Type
	setString(out, "timestamp", e.Timestamp)
	setString(out, "session_id", e.SessionID)
	setString(out, "content", e.Content)
	setString(out, "role", e.Role)
	setString(out, "tool_id", e.ToolID)
	setString(out, "tool_name", e.ToolName)
	setString(out, "error", e.Error)
	setString(out, "agent_name", e.AgentName)
	if e.ToolInput != nil {
		out["tool_input"] = e.ToolInput
	}
	if len(e.Result) > 0 {
		out["result"] = e.Result
	}
	if e.Interrupts != nil {
		out["interrupts"] = e.Interrupts
	}
	if len(e.Data) > 0 {
		out["data"] = e.Data
	}
	return Marshal(out)
}

// Marshal encodes v as compact JSON without HTML escaping, so "<", ">" and
// "&" are written as-is. Use it for everything that goes on the wire or to
// disk; json.Marshal would expand those characters sixfold.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.ToolInput != nil {
		// Values are JSON-decoded, so a round trip is a faithful deep copy.
		b, _ := json.Marshal(e.ToolInput)
		c.ToolInput = nil
		_ = json.Unmarshal(b, &c.ToolInput)
	}
	if e.Result != nil {
		c.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Interrupts != nil {
		c.Interrupts = append([]Interrupt(nil), e.Interrupts...)
	}
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// ResultText returns the tool result as display text. String results are
// unquoted; anything else is returned as compact JSON.
func (e *Envelope) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Result); err != nil {
		return string(e.Result)
	}
	return buf.String()
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func decodeInto[T any](raw json.RawMessage, dst *T) bool {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

func isEmptyString(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte(`""`))
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
