package normalizer

import (
	"testing"

	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, line string) engine.Event {
	t.Helper()
	ev, err := engine.ParseEvent([]byte(line))
	require.NoError(t, err)
	return ev
}

func TestNormalizeAssistant(t *testing.T) {
	line := `{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`
	msgs := Normalize("s1", mustParse(t, line))

	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, protocol.MessageTypeResponse, m.Type)
		assert.Equal(t, "s1", m.SessionID)
	}
	assert.JSONEq(t, line, string(msgs[0].Data))
	assert.JSONEq(t, `{"type":"assistant","content":[{"type":"text","text":"hi"}]}`, string(msgs[1].Data))
}

func TestNormalizeAssistantWithoutContentArray(t *testing.T) {
	msgs := Normalize("s1", mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":"plain"}}`))
	require.Len(t, msgs, 1)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a"}}]}}`
	ev := mustParse(t, line)

	first, err := protocol.Marshal(Normalize("s1", ev)[1])
	require.NoError(t, err)
	second, err := protocol.Marshal(Normalize("s1", mustParse(t, line))[1])
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestNormalizeUser(t *testing.T) {
	withResult := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`
	msgs := Normalize("s1", mustParse(t, withResult))
	require.Len(t, msgs, 1)
	assert.JSONEq(t, withResult, string(msgs[0].Data))

	assert.Empty(t, Normalize("s1", mustParse(t, `{"type":"user","message":{"role":"user","content":"hello"}}`)))
}

func TestNormalizeDropsOtherEvents(t *testing.T) {
	for _, line := range []string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"result","subtype":"success"}`,
		`{"type":"stream_event","event":{}}`,
	} {
		assert.Empty(t, Normalize("s1", mustParse(t, line)), line)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(&engine.ResultEvent{Subtype: "success"}))
	assert.Equal(t, 1, ExitCode(&engine.ResultEvent{Subtype: "error"}))
	assert.Equal(t, 0, ExitCode(&engine.ResultEvent{Subtype: "success", IsError: true}))
	assert.Equal(t, 1, ExitCode(nil))
}

func TestTokenBudget(t *testing.T) {
	_, ok := TokenBudget(&engine.ResultEvent{})
	assert.False(t, ok)

	budget, ok := TokenBudget(&engine.ResultEvent{ModelUsage: map[string]engine.ModelUsage{
		"a": {InputTokens: 100, OutputTokens: 50, CacheReadInputTokens: 10},
		"b": {InputTokens: 1, CacheCreationInputTokens: 4, ContextWindow: 200000},
	}})
	require.True(t, ok)
	assert.Equal(t, Budget{Used: 165, Total: 200000}, budget)

	budget, _ = TokenBudget(&engine.ResultEvent{ModelUsage: map[string]engine.ModelUsage{"a": {InputTokens: 1}}})
	assert.Equal(t, DefaultContextWindow, budget.Total)
}

func TestStatusMessage(t *testing.T) {
	_, ok := StatusMessage("s1", &engine.ResultEvent{})
	assert.False(t, ok)

	msg, ok := StatusMessage("s1", &engine.ResultEvent{ModelUsage: map[string]engine.ModelUsage{"a": {OutputTokens: 7}}})
	require.True(t, ok)
	assert.Equal(t, protocol.MessageTypeStatus, msg.Type)
	assert.JSONEq(t, `{"tokenBudget":{"used":7,"total":160000}}`, string(msg.Data))
}
