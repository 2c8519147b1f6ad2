package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallnest/clawbridge/config"
	"github.com/smallnest/clawbridge/engine/enginetest"
	"github.com/smallnest/clawbridge/gateway"
	"github.com/smallnest/clawbridge/orchestrator"
)

func startGateway(t *testing.T, script enginetest.Script) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	handler := gateway.NewHandler(ctx, orchestrator.New(enginetest.New(script), nil))
	srv := gateway.NewServer(config.GatewayConfig{
		Path:         "/ws",
		PingInterval: time.Second,
		PongTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, handler)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		handler.Wait()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GatewayCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8787/ws":         "http://localhost:8787/health",
		"wss://bridge.example.com/a?t=x": "https://bridge.example.com/health",
	}
	for in, want := range cases {
		got, err := healthURL(in)
		if err != nil {
			t.Fatalf("healthURL(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGatewayCallHealth(t *testing.T) {
	url := startGateway(t, nil)

	out, err := execute(t, "call", "health", "--url", url, "--token", "unused")
	if err != nil {
		t.Fatalf("call failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"status":"ok"`) {
		t.Fatalf("expected health result, got %s", out)
	}
}

func TestGatewayCallCommandWaitsForCompletion(t *testing.T) {
	url := startGateway(t, func(ctx context.Context, q *enginetest.Query) error {
		if err := q.Init("s9"); err != nil {
			return err
		}
		res, err := q.AskTool("Write", map[string]interface{}{"file_path": "a.txt"})
		if err != nil {
			return err
		}
		if !res.Allowed() {
			return q.Result("s9", "error_during_execution")
		}
		return q.Result("s9", "success")
	})

	out, err := execute(t, "call", "claude.command",
		"--url", url, "--token", "unused",
		"--params", `{"command":"write it"}`,
		"--decision", "allow")
	if err != nil {
		t.Fatalf("call failed: %v\n%s", err, out)
	}
	for _, want := range []string{"session-created", "permission-request", "claude-complete"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output:\n%s", want, out)
		}
	}
}

func TestGatewayCallRejectsBadParams(t *testing.T) {
	if _, err := execute(t, "call", "health", "--url", "ws://127.0.0.1:1/ws", "--token", "x", "--params", "{"); err == nil {
		t.Fatalf("expected invalid params to fail")
	}
}
