// Package normalizer converts engine events into the outward message
// vocabulary.
package normalizer

import (
	"encoding/json"

	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/protocol"
)

// DefaultContextWindow is assumed when the engine reports usage without a
// context window size.
const DefaultContextWindow = 160000

// legacyAssistant is the pre-stream-json response shape some consumers still
// render.
type legacyAssistant struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Normalize maps an assistant or tool-result user event to claude-response
// messages. System and result events carry lifecycle meaning and are left
// to the caller; anything else yields nothing.
func Normalize(sessionID string, ev engine.Event) []protocol.Message {
	switch ev := ev.(type) {
	case *engine.AssistantEvent:
		msgs := []protocol.Message{protocol.Response(sessionID, ev.Raw)}
		if ev.HasContentBlocks() {
			legacy, err := json.Marshal(legacyAssistant{Type: "assistant", Content: ev.Content})
			if err == nil {
				msgs = append(msgs, protocol.Response(sessionID, legacy))
			}
		}
		return msgs
	case *engine.UserEvent:
		if !ev.HasToolResult() {
			return nil
		}
		return []protocol.Message{protocol.Response(sessionID, ev.Raw)}
	default:
		return nil
	}
}

// ExitCode derives the process-style exit code of a finished turn.
func ExitCode(result *engine.ResultEvent) int {
	if result != nil && result.Success() {
		return 0
	}
	return 1
}

// Budget is the token usage summary attached to claude-status.
type Budget struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// TokenBudget summarizes model usage of result. ok is false when the engine
// reported none.
func TokenBudget(result *engine.ResultEvent) (budget Budget, ok bool) {
	if result == nil || len(result.ModelUsage) == 0 {
		return Budget{}, false
	}
	for _, u := range result.ModelUsage {
		budget.Used += u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		if u.ContextWindow > budget.Total {
			budget.Total = u.ContextWindow
		}
	}
	if budget.Total == 0 {
		budget.Total = DefaultContextWindow
	}
	return budget, true
}

// StatusMessage builds the claude-status message for result, if any usage
// was reported.
func StatusMessage(sessionID string, result *engine.ResultEvent) (protocol.Message, bool) {
	budget, ok := TokenBudget(result)
	if !ok {
		return protocol.Message{}, false
	}
	data, err := json.Marshal(map[string]Budget{"tokenBudget": budget})
	if err != nil {
		return protocol.Message{}, false
	}
	return protocol.Status(sessionID, data), true
}
