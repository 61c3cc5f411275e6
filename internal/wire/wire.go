// Package wire defines the event envelope and payload shapes exchanged with
// the assistant backend. Every frame on the connection is a JSON Envelope;
// the Data field is decoded lazily by whoever subscribed to the event name,
// so unknown event types pass through the connection layer untouched.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventAssistantThinking = "assistant_thinking"
	EventAssistantSpeaking = "assistant_speaking"
	EventAssistantToken    = "assistant_token"
	EventMessageMetadata   = "message_metadata"
	EventAssistantMessage  = "assistant_message" // complete message in one frame
	EventStreamComplete    = "stream_complete"
	EventStreamError       = "stream_error"
)

// Outbound event names.
const (
	EventUserMessage = "user_message"
)

// Envelope is the framing for every event on the connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    int64           `json:"ts,omitempty"` // Unix milliseconds, set by the sender
}

// ThinkingPayload drives the "thinking" presence flag.
type ThinkingPayload struct {
	IsThinking bool `json:"is_thinking"`
}

// SpeakingPayload drives the "speaking" presence flag.
type SpeakingPayload struct {
	IsSpeaking bool `json:"is_speaking"`
}

// TokenPayload carries one incremental content fragment of a streamed message.
type TokenPayload struct {
	Content string `json:"content"`
}

// RichContentBlock is a typed semantic container whose payload is opaque to
// the engine; the rendering layer interprets it per Type.
type RichContentBlock struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UICommand is a directive the rendering layer may act on.
type UICommand struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// MetadataPayload carries the out-of-band metadata for a message. It may
// arrive before, during, or after the token stream it belongs to.
type MetadataPayload struct {
	MessageID   string             `json:"message_id,omitempty"`
	RichContent []RichContentBlock `json:"rich_content,omitempty"`
	UICommands  []UICommand        `json:"ui_commands,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
}

// AssistantMessagePayload is a complete, non-streamed assistant message with
// its metadata delivered in a single frame.
type AssistantMessagePayload struct {
	Message        string             `json:"message"`
	RichContent    []RichContentBlock `json:"rich_content,omitempty"`
	UICommands     []UICommand        `json:"ui_commands,omitempty"`
	Suggestions    []string           `json:"suggestions,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
}

// ErrorPayload terminates a stream with a generation failure.
type ErrorPayload struct {
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// UserMessagePayload is the outbound chat event. ConversationID is always
// resolved before the first send of a session.
type UserMessagePayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// Encode marshals an event name and payload into a framed envelope.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	env := Envelope{Event: event, Data: data, TS: time.Now().UnixMilli()}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return b, nil
}

// Decode parses a raw frame into an envelope. The Data field stays raw.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event name")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. An empty payload is
// left as the zero value, which keeps optional-payload events total.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Event, err)
	}
	return nil
}
