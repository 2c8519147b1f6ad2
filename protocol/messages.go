// Package protocol defines the outward message vocabulary and the inward
// control messages exchanged with clawbridge consumers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType tags every outward record.
const EnvelopeType = "claude-chat"

// MessageType is the closed vocabulary of normalized messages.
type MessageType string

const (
	MessageTypeSessionCreated    MessageType = "session-created"
	MessageTypeResponse          MessageType = "claude-response"
	MessageTypeError             MessageType = "claude-error"
	MessageTypeComplete          MessageType = "claude-complete"
	MessageTypeInteractivePrompt MessageType = "claude-interactive-prompt"
	MessageTypeStatus            MessageType = "claude-status"
	MessageTypeSessionAborted    MessageType = "session-aborted"
	MessageTypePermissionRequest MessageType = "permission-request"
)

// Valid reports whether t belongs to the vocabulary.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeSessionCreated, MessageTypeResponse, MessageTypeError,
		MessageTypeComplete, MessageTypeInteractivePrompt, MessageTypeStatus,
		MessageTypeSessionAborted, MessageTypePermissionRequest:
		return true
	}
	return false
}

// PermissionPayload describes a tool call waiting for approval.
type PermissionPayload struct {
	ToolName  string                 `json:"toolName"`
	Input     map[string]interface{} `json:"input"`
	RequestID string                 `json:"requestId"`
}

// Message is the normalized envelope content. Nothing else leaves the core.
type Message struct {
	Type              MessageType        `json:"type"`
	SessionID         string             `json:"sessionId,omitempty"`
	Data              json.RawMessage    `json:"data,omitempty"`
	PermissionPayload *PermissionPayload `json:"permissionPayload,omitempty"`
	Error             string             `json:"error,omitempty"`
	ExitCode          *int               `json:"exitCode,omitempty"`
	IsNewSession      *bool              `json:"isNewSession,omitempty"`
}

// Envelope wraps a Message with the protocol name.
type Envelope struct {
	Type    string  `json:"type"`
	Content Message `json:"content"`
}

// Wrap returns the envelope for msg.
func Wrap(msg Message) Envelope {
	return Envelope{Type: EnvelopeType, Content: msg}
}

// Marshal serializes msg inside its envelope.
func Marshal(msg Message) ([]byte, error) {
	b, err := json.Marshal(Wrap(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msg.Type, err)
	}
	return b, nil
}

// ParseEnvelope decodes one serialized envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type != EnvelopeType {
		return Envelope{}, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	return env, nil
}

// SessionCreated announces the session id the engine settled on.
func SessionCreated(sessionID string) Message {
	return Message{Type: MessageTypeSessionCreated, SessionID: sessionID}
}

// Response carries one piece of engine output.
func Response(sessionID string, data json.RawMessage) Message {
	return Message{Type: MessageTypeResponse, SessionID: sessionID, Data: data}
}

// Failure reports an engine-level error.
func Failure(sessionID string, err error) Message {
	return Message{Type: MessageTypeError, SessionID: sessionID, Error: err.Error()}
}

// Complete marks the end of one invocation.
func Complete(sessionID string, exitCode int, isNewSession bool) Message {
	return Message{
		Type:         MessageTypeComplete,
		SessionID:    sessionID,
		ExitCode:     &exitCode,
		IsNewSession: &isNewSession,
	}
}

// PermissionRequest asks the consumer to approve a tool call.
func PermissionRequest(sessionID string, payload PermissionPayload) Message {
	return Message{
		Type:              MessageTypePermissionRequest,
		SessionID:         sessionID,
		PermissionPayload: &payload,
	}
}

// Status carries auxiliary session state such as the token budget.
func Status(sessionID string, data json.RawMessage) Message {
	return Message{Type: MessageTypeStatus, SessionID: sessionID, Data: data}
}

// SessionAborted reports the outcome of an abort request.
func SessionAborted(sessionID string, success bool) Message {
	data, _ := json.Marshal(map[string]bool{"success": success})
	return Message{Type: MessageTypeSessionAborted, SessionID: sessionID, Data: data}
}
