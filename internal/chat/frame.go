package chat

import (
	"bytes"
	"encoding/json"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// FrameMessage is the message object of a chat-shaped frame
type FrameMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Choice is one entry of an OpenAI-compatible frame
type Choice struct {
	Delta   *FrameMessage `json:"delta,omitempty"`
	Message *FrameMessage `json:"message,omitempty"`
	Text    *string       `json:"text,omitempty"`
}

// Frame is one decoded record of a streamed or non-streamed reply
type Frame struct {
	Message  *FrameMessage `json:"message,omitempty"`
	Response *string       `json:"response,omitempty"`
	Choices  []Choice      `json:"choices,omitempty"`
	Done     bool          `json:"done"`
	Error    string        `json:"error,omitempty"`
}

// ParseFrame decodes one line of the wire stream. A "data:" envelope is
// stripped and "[DONE]" becomes a done frame. Blank and malformed lines
// return ok=false.
func ParseFrame(line []byte) (*Frame, bool) {
	payload := framePayload(line)
	if len(payload) == 0 {
		return nil, false
	}
	return decodePayload(payload)
}

func framePayload(line []byte) []byte {
	payload := bytes.TrimSpace(line)
	if bytes.HasPrefix(payload, dataPrefix) {
		payload = bytes.TrimSpace(payload[len(dataPrefix):])
	}
	return payload
}

func decodePayload(payload []byte) (*Frame, bool) {
	if bytes.Equal(payload, doneSentinel) {
		return &Frame{Done: true}, true
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, false
	}
	return &frame, true
}

// Extractor pulls reply text out of one frame shape
type Extractor func(*Frame) (string, bool)

// AssistantMessage reads message.content of an assistant (or unlabelled) message
func AssistantMessage(f *Frame) (string, bool) {
	if f.Message == nil {
		return "", false
	}
	if f.Message.Role != "" && f.Message.Role != RoleAssistant {
		return "", false
	}
	return f.Message.Content, true
}

// FlatResponse reads the plain generation field
func FlatResponse(f *Frame) (string, bool) {
	if f.Response == nil {
		return "", false
	}
	return *f.Response, true
}

// ChoiceDelta reads choices[0].delta.content
func ChoiceDelta(f *Frame) (string, bool) {
	if len(f.Choices) == 0 || f.Choices[0].Delta == nil {
		return "", false
	}
	return f.Choices[0].Delta.Content, true
}

// ChoiceMessage reads choices[0].message.content
func ChoiceMessage(f *Frame) (string, bool) {
	if len(f.Choices) == 0 || f.Choices[0].Message == nil {
		return "", false
	}
	return f.Choices[0].Message.Content, true
}

// ChoiceText reads choices[0].text
func ChoiceText(f *Frame) (string, bool) {
	if len(f.Choices) == 0 || f.Choices[0].Text == nil {
		return "", false
	}
	return *f.Choices[0].Text, true
}

// DefaultExtractors is tried in order until one matches
var DefaultExtractors = []Extractor{
	AssistantMessage,
	FlatResponse,
	ChoiceDelta,
	ChoiceMessage,
	ChoiceText,
}

// ExtractText returns the text of the first extractor that matches
func ExtractText(f *Frame, extractors []Extractor) (string, bool) {
	if f == nil {
		return "", false
	}
	for _, extract := range extractors {
		if text, ok := extract(f); ok {
			return text, true
		}
	}
	return "", false
}
