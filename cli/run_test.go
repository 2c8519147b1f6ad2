package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/smallnest/clawbridge/sink"
	"gopkg.in/yaml.v3"
)

func sampleResult() *sink.Result {
	return &sink.Result{
		SessionID: "s1",
		ExitCode:  0,
		Responses: []json.RawMessage{
			json.RawMessage(`{"type":"assistant","content":[{"type":"text","text":"hi"}]}`),
		},
	}
}

func TestWriteResultJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, sampleResult(), "json"); err != nil {
		t.Fatalf("writeResult failed: %v", err)
	}

	var got sink.Result
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.SessionID != "s1" || len(got.Responses) != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestWriteResultYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, sampleResult(), "yaml"); err != nil {
		t.Fatalf("writeResult failed: %v", err)
	}

	var got struct {
		SessionID string                   `yaml:"sessionId"`
		ExitCode  int                      `yaml:"exitCode"`
		Responses []map[string]interface{} `yaml:"responses"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if got.SessionID != "s1" || len(got.Responses) != 1 || got.Responses[0]["type"] != "assistant" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	want := map[string]bool{"serve": false, "stdio": false, "run": false, "gateway": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected %s command to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "clawbridge ") {
		t.Fatalf("unexpected version output %q", buf.String())
	}
}
