package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventSystemInit(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"system","subtype":"init","session_id":"S1","model":"sonnet","cwd":"/w"}`))
	require.NoError(t, err)

	sys, ok := ev.(*SystemEvent)
	require.True(t, ok)
	assert.Equal(t, KindSystem, sys.Kind())
	assert.True(t, sys.IsInit())
	assert.Equal(t, "S1", sys.SessionID)
	assert.Equal(t, "sonnet", sys.Model)
	assert.Equal(t, "/w", sys.Cwd)
}

func TestParseEventAssistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"S1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`
	ev, err := ParseEvent([]byte(line))
	require.NoError(t, err)

	a, ok := ev.(*AssistantEvent)
	require.True(t, ok)
	assert.True(t, a.HasContentBlocks())
	assert.JSONEq(t, `[{"type":"text","text":"hi"}]`, string(a.Content))
	assert.JSONEq(t, line, string(a.RawJSON()))
}

func TestParseEventAssistantWithoutContent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"assistant","message":{"role":"assistant"}}`))
	require.NoError(t, err)
	assert.False(t, ev.(*AssistantEvent).HasContentBlocks())
}

func TestUserEventHasToolResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"tool result", `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`, true},
		{"mixed blocks", `{"type":"user","message":{"content":[{"type":"text","text":"x"},{"type":"tool_result"}]}}`, true},
		{"text only", `{"type":"user","message":{"content":[{"type":"text","text":"x"}]}}`, false},
		{"string content", `{"type":"user","message":{"content":"hello"}}`, false},
		{"no message", `{"type":"user"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.line))
			require.NoError(t, err)
			u, ok := ev.(*UserEvent)
			require.True(t, ok)
			assert.Equal(t, tt.want, u.HasToolResult())
		})
	}
}

func TestParseEventResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"S1","is_error":false,"num_turns":2,"total_cost_usd":0.5,
		"modelUsage":{"claude-sonnet":{"inputTokens":10,"outputTokens":5,"cacheReadInputTokens":3,"contextWindow":200000}}}`
	ev, err := ParseEvent([]byte(line))
	require.NoError(t, err)

	r, ok := ev.(*ResultEvent)
	require.True(t, ok)
	assert.True(t, r.Success())
	assert.Equal(t, 2, r.NumTurns)
	assert.InDelta(t, 0.5, r.TotalCostUSD, 1e-9)
	require.Contains(t, r.ModelUsage, "claude-sonnet")
	assert.Equal(t, 10, r.ModelUsage["claude-sonnet"].InputTokens)
	assert.Equal(t, 200000, r.ModelUsage["claude-sonnet"].ContextWindow)
}

func TestResultEventSuccess(t *testing.T) {
	assert.False(t, (&ResultEvent{Subtype: "error_max_turns"}).Success())
	assert.True(t, (&ResultEvent{Subtype: "success", IsError: true}).Success())
	assert.True(t, (&ResultEvent{Subtype: "success"}).Success())
}

func TestParseEventControlRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"c1","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/a"}}}`
	ev, err := ParseEvent([]byte(line))
	require.NoError(t, err)

	cr, ok := ev.(*ControlRequestEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", cr.RequestID)
	assert.Equal(t, "can_use_tool", cr.Subtype)
	assert.Equal(t, "Write", cr.ToolName)
	assert.Equal(t, "/a", cr.Input["file_path"])
}

func TestParseEventControlResponse(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"control_response","response":{"subtype":"error","request_id":"req_1","error":"boom"}}`))
	require.NoError(t, err)

	cr, ok := ev.(*ControlResponseEvent)
	require.True(t, ok)
	assert.Equal(t, "req_1", cr.RequestID)
	assert.Equal(t, "boom", cr.Error)
}

func TestParseEventUnknownAndInvalid(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"stream_event","event":{}}`))
	require.NoError(t, err)
	u, ok := ev.(*UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "stream_event", u.Type)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestParseEventCopiesInput(t *testing.T) {
	buf := []byte(`{"type":"system","subtype":"init","session_id":"S1"}`)
	ev, err := ParseEvent(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = ' '
	}
	assert.Contains(t, string(ev.RawJSON()), `"S1"`)
}
