package session

import (
	"encoding/json"

	"github.com/lexiqai/voice-chat/internal/pipeline"
)

// Client message types
const (
	MessageAudio   = "audio"
	MessageConfig  = "config"
	MessageControl = "control"
)

// Server message types
const (
	MessageSession = "session"
	MessageUpdate  = "update"
	MessageReset   = "reset"
	MessagePong    = "pong"
	MessageError   = "error"
)

// ClientMessage is a JSON text frame sent by the mic client.
// Raw PCM16LE audio may also be sent as binary frames.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AudioPayload carries base64 audio. Encoding is "s16le" (default) or "f32le".
type AudioPayload struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

// ConfigPayload selects the reply backend
type ConfigPayload struct {
	Mode string `json:"mode"`
}

// ControlPayload carries "reset", "ping" or "stop"
type ControlPayload struct {
	Action string `json:"action"`
}

// ServerMessage is a JSON text frame sent to the mic client
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Reply     string `json:"reply,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	Epoch     uint64 `json:"epoch,omitempty"`
	Error     string `json:"error,omitempty"`
}

func updateMessage(u pipeline.UiUpdate) ServerMessage {
	msg := ServerMessage{
		Type:    MessageUpdate,
		TurnID:  u.TurnID,
		Prompt:  u.Prompt,
		Reply:   u.Reply,
		IsFinal: u.IsFinal,
		Epoch:   u.Epoch,
	}
	if u.Err != nil {
		msg.Error = u.Err.Error()
	}
	return msg
}
