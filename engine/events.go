package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/clawbridge/protocol"
	"github.com/tidwall/gjson"
)

// EventKind is the tag of an engine event.
type EventKind string

const (
	KindSystem          EventKind = "system"
	KindAssistant       EventKind = "assistant"
	KindUser            EventKind = "user"
	KindResult          EventKind = "result"
	KindControlRequest  EventKind = "control_request"
	KindControlResponse EventKind = "control_response"
	KindUnknown         EventKind = "unknown"
	// KindPermission is produced by engines, never parsed from the wire.
	KindPermission EventKind = "permission"
)

// Event is one record of the engine's output stream. The set of
// implementations is closed.
type Event interface {
	Kind() EventKind
	RawJSON() json.RawMessage
}

// SystemEvent carries engine lifecycle notices. The init subtype announces
// the session id.
type SystemEvent struct {
	Subtype   string
	SessionID string
	Model     string
	Cwd       string
	Raw       json.RawMessage
}

func (e *SystemEvent) Kind() EventKind          { return KindSystem }
func (e *SystemEvent) RawJSON() json.RawMessage { return e.Raw }

// IsInit reports whether this is the session init notice.
func (e *SystemEvent) IsInit() bool { return e.Subtype == "init" }

// AssistantEvent is a model turn.
type AssistantEvent struct {
	SessionID string
	// Content is message.content as sent by the engine, possibly empty.
	Content json.RawMessage
	Raw     json.RawMessage
}

func (e *AssistantEvent) Kind() EventKind          { return KindAssistant }
func (e *AssistantEvent) RawJSON() json.RawMessage { return e.Raw }

// HasContentBlocks reports whether the event carries a content array.
func (e *AssistantEvent) HasContentBlocks() bool {
	return len(e.Content) > 0 && gjson.ParseBytes(e.Content).IsArray()
}

// UserEvent is a user turn echoed by the engine, usually carrying tool
// results.
type UserEvent struct {
	SessionID string
	Content   json.RawMessage
	Raw       json.RawMessage
}

func (e *UserEvent) Kind() EventKind          { return KindUser }
func (e *UserEvent) RawJSON() json.RawMessage { return e.Raw }

// HasToolResult reports whether any content block is a tool_result.
func (e *UserEvent) HasToolResult() bool {
	if len(e.Content) == 0 {
		return false
	}
	content := gjson.ParseBytes(e.Content)
	if !content.IsArray() {
		return false
	}
	found := false
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_result" {
			found = true
			return false
		}
		return true
	})
	return found
}

// ModelUsage is the per-model token accounting of a result.
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int     `json:"contextWindow,omitempty"`
}

// ResultEvent terminates a turn.
type ResultEvent struct {
	Subtype      string
	SessionID    string
	Result       string
	IsError      bool
	NumTurns     int
	TotalCostUSD float64
	ModelUsage   map[string]ModelUsage
	Raw          json.RawMessage
}

func (e *ResultEvent) Kind() EventKind          { return KindResult }
func (e *ResultEvent) RawJSON() json.RawMessage { return e.Raw }

// Success reports whether the turn ended with the success subtype. IsError
// does not change the outcome.
func (e *ResultEvent) Success() bool {
	return e.Subtype == "success"
}

// ControlRequestEvent is a request from the engine that expects a
// control_response, such as can_use_tool.
type ControlRequestEvent struct {
	RequestID string
	Subtype   string
	ToolName  string
	Input     map[string]interface{}
	Raw       json.RawMessage
}

func (e *ControlRequestEvent) Kind() EventKind          { return KindControlRequest }
func (e *ControlRequestEvent) RawJSON() json.RawMessage { return e.Raw }

// ControlResponseEvent answers a control request we sent.
type ControlResponseEvent struct {
	RequestID string
	Subtype   string
	Error     string
	Raw       json.RawMessage
}

func (e *ControlResponseEvent) Kind() EventKind          { return KindControlResponse }
func (e *ControlResponseEvent) RawJSON() json.RawMessage { return e.Raw }

// PermissionEvent asks the consumer whether a tool may run. It travels in
// the event stream, so every event the engine produced before the tool
// call has been delivered first. The engine waits until Respond is called.
type PermissionEvent struct {
	ToolName string
	Input    map[string]interface{}
	Raw      json.RawMessage

	once  sync.Once
	reply func(protocol.PermissionResult)
}

// NewPermissionEvent returns an event whose first Respond calls reply.
func NewPermissionEvent(toolName string, input map[string]interface{}, raw json.RawMessage, reply func(protocol.PermissionResult)) *PermissionEvent {
	if input == nil {
		input = map[string]interface{}{}
	}
	return &PermissionEvent{ToolName: toolName, Input: input, Raw: raw, reply: reply}
}

func (e *PermissionEvent) Kind() EventKind          { return KindPermission }
func (e *PermissionEvent) RawJSON() json.RawMessage { return e.Raw }

// Respond answers the engine. Calls after the first are ignored.
func (e *PermissionEvent) Respond(result protocol.PermissionResult) {
	e.once.Do(func() {
		if e.reply != nil {
			e.reply(result)
		}
	})
}

// UnknownEvent is any record with a tag we do not model.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e *UnknownEvent) Kind() EventKind          { return KindUnknown }
func (e *UnknownEvent) RawJSON() json.RawMessage { return e.Raw }

var errInvalidEvent = errors.New("invalid event JSON")

// ParseEvent decodes one stream-json line. line is copied.
func ParseEvent(line []byte) (Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, errInvalidEvent
	}
	raw := append(json.RawMessage(nil), line...)
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, errInvalidEvent
	}

	switch typ := doc.Get("type").String(); EventKind(typ) {
	case KindSystem:
		return &SystemEvent{
			Subtype:   doc.Get("subtype").String(),
			SessionID: doc.Get("session_id").String(),
			Model:     doc.Get("model").String(),
			Cwd:       doc.Get("cwd").String(),
			Raw:       raw,
		}, nil
	case KindAssistant:
		return &AssistantEvent{
			SessionID: doc.Get("session_id").String(),
			Content:   rawField(doc, "message.content"),
			Raw:       raw,
		}, nil
	case KindUser:
		return &UserEvent{
			SessionID: doc.Get("session_id").String(),
			Content:   rawField(doc, "message.content"),
			Raw:       raw,
		}, nil
	case KindResult:
		ev := &ResultEvent{
			Subtype:      doc.Get("subtype").String(),
			SessionID:    doc.Get("session_id").String(),
			Result:       doc.Get("result").String(),
			IsError:      doc.Get("is_error").Bool(),
			NumTurns:     int(doc.Get("num_turns").Int()),
			TotalCostUSD: doc.Get("total_cost_usd").Float(),
			Raw:          raw,
		}
		if mu := doc.Get("modelUsage"); mu.IsObject() {
			if err := json.Unmarshal([]byte(mu.Raw), &ev.ModelUsage); err != nil {
				return nil, fmt.Errorf("decode modelUsage: %w", err)
			}
		}
		return ev, nil
	case KindControlRequest:
		ev := &ControlRequestEvent{
			RequestID: doc.Get("request_id").String(),
			Subtype:   doc.Get("request.subtype").String(),
			ToolName:  doc.Get("request.tool_name").String(),
			Raw:       raw,
		}
		if in := doc.Get("request.input"); in.IsObject() {
			if err := json.Unmarshal([]byte(in.Raw), &ev.Input); err != nil {
				return nil, fmt.Errorf("decode tool input: %w", err)
			}
		}
		return ev, nil
	case KindControlResponse:
		return &ControlResponseEvent{
			RequestID: doc.Get("response.request_id").String(),
			Subtype:   doc.Get("response.subtype").String(),
			Error:     doc.Get("response.error").String(),
			Raw:       raw,
		}, nil
	default:
		return &UnknownEvent{Type: typ, Raw: raw}, nil
	}
}

func rawField(doc gjson.Result, path string) json.RawMessage {
	r := doc.Get(path)
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
