package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smallnest/clawbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// fakeCLIEnv turns the test binary into a scripted stand-in for the CLI.
const fakeCLIEnv = "CLAWBRIDGE_FAKE_CLI"

func TestMain(m *testing.M) {
	if scenario := os.Getenv(fakeCLIEnv); scenario != "" {
		os.Exit(runFakeCLI(scenario))
	}
	os.Exit(m.Run())
}

func runFakeCLI(scenario string) int {
	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	next := func() (gjson.Result, bool) {
		if !in.Scan() {
			return gjson.Result{}, false
		}
		return gjson.ParseBytes(in.Bytes()), true
	}

	req, ok := next()
	if !ok || req.Get("request.subtype").String() != "initialize" {
		return 3
	}
	_ = out.Encode(map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "success", "request_id": req.Get("request_id").String()},
	})

	switch scenario {
	case "exit-error":
		fmt.Fprintln(os.Stderr, "boom: no credentials")
		return 2
	case "hang":
		_ = out.Encode(map[string]any{"type": "system", "subtype": "init", "session_id": "fake-session"})
		for in.Scan() {
		}
		return 0
	}

	user, ok := next()
	if !ok || user.Get("type").String() != "user" {
		return 4
	}
	prompt := user.Get("message.content").String()

	_ = out.Encode(map[string]any{"type": "system", "subtype": "init", "session_id": "fake-session"})
	fmt.Fprintln(os.Stdout, "this line is not json")
	_ = out.Encode(map[string]any{
		"type":       "control_request",
		"request_id": "perm-1",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Write",
			"input":     map[string]any{"file_path": "/tmp/x"},
		},
	})

	resp, ok := next()
	if !ok || resp.Get("response.request_id").String() != "perm-1" {
		return 5
	}
	behavior := resp.Get("response.response.behavior").String()

	_ = out.Encode(map[string]any{
		"type":       "assistant",
		"session_id": "fake-session",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": prompt + ":" + behavior}},
		},
	})
	_ = out.Encode(map[string]any{"type": "result", "subtype": "success", "session_id": "fake-session"})

	for in.Scan() {
	}
	return 0
}

func fakeEngine(t *testing.T, scenario string) *CLIEngine {
	t.Helper()
	t.Setenv(fakeCLIEnv, scenario)
	return NewCLIEngine(
		WithExecutable(os.Args[0]),
		WithEngineLogger(zap.NewNop()),
		WithGracePeriod(time.Second),
		WithInitTimeout(10*time.Second),
	)
}

func TestCLIEngineRoundTrip(t *testing.T) {
	e := fakeEngine(t, "roundtrip")

	input := make(chan UserMessage, 1)
	input <- TextMessage("hello")

	stream, err := e.Query(context.Background(), Request{Input: input})
	require.NoError(t, err)

	var kinds []EventKind
	var asked []string
	var text string
	for ev := range stream.Events() {
		kinds = append(kinds, ev.Kind())
		switch ev := ev.(type) {
		case *PermissionEvent:
			asked = append(asked, ev.ToolName+" "+fmt.Sprint(ev.Input["file_path"]))
			ev.Respond(protocol.Deny("nope"))
		case *AssistantEvent:
			text = gjson.GetBytes(ev.Content, "0.text").String()
		case *ResultEvent:
			close(input)
		}
	}

	require.NoError(t, stream.Err())
	assert.Equal(t, []EventKind{KindSystem, KindPermission, KindAssistant, KindResult}, kinds)
	assert.Equal(t, "hello:deny", text)
	assert.Equal(t, []string{"Write /tmp/x"}, asked)
}

func TestCLIEnginePermissionFollowsInit(t *testing.T) {
	e := fakeEngine(t, "roundtrip")

	input := make(chan UserMessage, 1)
	input <- TextMessage("hi")
	stream, err := e.Query(context.Background(), Request{Input: input})
	require.NoError(t, err)

	var sessionAtCheck, text string
	var sessionID string
	for ev := range stream.Events() {
		switch ev := ev.(type) {
		case *SystemEvent:
			sessionID = ev.SessionID
		case *PermissionEvent:
			sessionAtCheck = sessionID
			// updatedInput falls back to the tool input.
			ev.Respond(protocol.PermissionResult{Behavior: protocol.PermissionBehaviorAllow})
			ev.Respond(protocol.Deny("ignored"))
		case *AssistantEvent:
			text = gjson.GetBytes(ev.Content, "0.text").String()
		case *ResultEvent:
			close(input)
		}
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "fake-session", sessionAtCheck)
	assert.Equal(t, "hi:allow", text)
}

func TestDeliverControlResponseDropsDuplicates(t *testing.T) {
	p := &cliProcess{
		pending: make(map[string]chan *ControlResponseEvent),
		log:     zap.NewNop(),
	}
	ch := make(chan *ControlResponseEvent, 1)
	p.pending["req_1"] = ch

	done := make(chan struct{})
	go func() {
		p.deliverControlResponse(&ControlResponseEvent{RequestID: "req_1", Subtype: "success"})
		p.deliverControlResponse(&ControlResponseEvent{RequestID: "req_1", Subtype: "success"})
		p.deliverControlResponse(&ControlResponseEvent{RequestID: "req_2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("duplicate control response blocked the reader")
	}
	assert.Len(t, ch, 1)
}

func TestCLIEngineExitError(t *testing.T) {
	e := fakeEngine(t, "exit-error")

	stream, err := e.Query(context.Background(), Request{Input: make(chan UserMessage)})
	require.NoError(t, err)
	for range stream.Events() {
	}

	err = stream.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom: no credentials")
}

func TestCLIEngineCancel(t *testing.T) {
	e := fakeEngine(t, "hang")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := e.Query(ctx, Request{Input: make(chan UserMessage)})
	require.NoError(t, err)

	first, ok := <-stream.Events()
	require.True(t, ok)
	assert.Equal(t, KindSystem, first.Kind())

	cancel()
	done := make(chan struct{})
	go func() {
		for range stream.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestCLIEngineNotFound(t *testing.T) {
	e := NewCLIEngine(WithExecutable("/nonexistent/claude"), WithEngineLogger(zap.NewNop()))
	_, err := e.Query(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCLINotFound)

	e = NewCLIEngine(WithEngineLogger(zap.NewNop()))
	_, err = e.Query(context.Background(), Request{Options: QueryOptions{ExecutablePath: "/nonexistent/other"}})
	assert.ErrorIs(t, err, ErrCLINotFound)
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(QueryOptions{
		Model:                 "opus",
		PermissionMode:        protocol.PermissionModePlan,
		Resume:                "S1",
		ForkSession:           true,
		AllowedTools:          []string{"Read", "Write"},
		DisallowedTools:       []string{"WebSearch"},
		AdditionalDirectories: []string{"/extra"},
	})
	argsStr := strings.Join(args, " ")

	for _, want := range []string{
		"--output-format stream-json",
		"--input-format stream-json",
		"--verbose",
		"--permission-prompt-tool stdio",
		"--model opus",
		"--permission-mode plan",
		"--resume S1 --fork-session",
		"--allowed-tools Read",
		"--allowed-tools Write",
		"--disallowed-tools WebSearch",
		"--add-dir /extra",
	} {
		if !strings.Contains(argsStr, want) {
			t.Errorf("expected %q in %q", want, argsStr)
		}
	}
}

func TestBuildArgsMinimal(t *testing.T) {
	argsStr := strings.Join(BuildArgs(QueryOptions{ForkSession: true}), " ")
	for _, unwanted := range []string{"--model", "--permission-mode", "--resume", "--fork-session", "--allowed-tools"} {
		if strings.Contains(argsStr, unwanted) {
			t.Errorf("unexpected %q in %q", unwanted, argsStr)
		}
	}
}
