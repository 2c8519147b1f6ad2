package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallnest/clawbridge/protocol"
	"github.com/spf13/viper"
)

func minimalValidConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Engine: EngineConfig{
			ExecutablePath: "claude",
			MaxRebinds:     1,
		},
		Approvals: ApprovalsConfig{
			Timeout: 100 * time.Second,
		},
		Gateway: GatewayConfig{
			Port:           8787,
			Path:           "/ws",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxMessageSize: 1 << 20,
		},
	}
}

func TestSetDefaultsTimeoutsUseSecondGranularity(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("failed to unmarshal defaults: %v", err)
	}

	if cfg.Gateway.ReadTimeout < time.Second {
		t.Fatalf("expected read timeout to be at least 1s granularity, got %v", cfg.Gateway.ReadTimeout)
	}
	if cfg.Gateway.WriteTimeout < time.Second {
		t.Fatalf("expected write timeout to be at least 1s granularity, got %v", cfg.Gateway.WriteTimeout)
	}
	if cfg.Approvals.Timeout < time.Second {
		t.Fatalf("expected approval timeout to be at least 1s granularity, got %v", cfg.Approvals.Timeout)
	}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected defaults to be valid, got: %v", err)
	}
}

func TestLoadExpandsTildeInEnginePaths(t *testing.T) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		t.Fatalf("failed to resolve home dir: %v", err)
	}

	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"engine": {"work_dir": "~/projects/demo", "additional_directories": ["~/shared"]}}`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if want := filepath.Join(home, "projects", "demo"); cfg.Engine.WorkDir != want {
		t.Fatalf("expected expanded work_dir %q, got %q", want, cfg.Engine.WorkDir)
	}
	if want := filepath.Join(home, "shared"); cfg.Engine.AdditionalDirectories[0] != want {
		t.Fatalf("expected expanded additional dir %q, got %q", want, cfg.Engine.AdditionalDirectories[0])
	}
}

func TestCommandDefaults(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.Engine.Model = "sonnet"
	cfg.Engine.PermissionMode = "plan"
	cfg.Engine.WorkDir = "/srv/app"
	cfg.Engine.AllowedTools = []string{"Read"}
	cfg.Engine.DisallowedTools = []string{"Bash"}

	opts := cfg.Engine.CommandDefaults()
	if opts.Model != "sonnet" || opts.Cwd != "/srv/app" || opts.ExecutablePath != "claude" {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if opts.PermissionMode != protocol.PermissionModePlan {
		t.Fatalf("expected plan mode, got %q", opts.PermissionMode)
	}
	if len(opts.ToolsSettings.AllowedTools) != 1 || len(opts.ToolsSettings.DisallowedTools) != 1 {
		t.Fatalf("unexpected tool settings: %+v", opts.ToolsSettings)
	}
	if opts.SessionID != "" {
		t.Fatalf("defaults must not carry a session id")
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		t.Fatalf("failed to resolve home dir: %v", err)
	}

	cases := map[string]string{
		"":            "",
		"~":           home,
		"~/a/b":       filepath.Join(home, "a", "b"),
		"/abs/path":   "/abs/path",
		"rel/~/thing": "rel/~/thing",
	}
	for in, want := range cases {
		if got := ExpandUserPath(in); got != want {
			t.Errorf("ExpandUserPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"approvals": {"timeout": "10s"}}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	changes := make(chan *Config, 8)
	err := Watch(configPath, func(cfg *Config, err error) {
		if err == nil {
			changes <- cfg
		}
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte(`{"approvals": {"timeout": "20s"}}`), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Approvals.Timeout == 20*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestWatchRequiresFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := Watch(missing, func(*Config, error) {}); err == nil {
		t.Fatal("expected watch on a missing file to fail")
	}
}
