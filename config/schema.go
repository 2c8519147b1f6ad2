package config

import (
	"time"

	"github.com/smallnest/clawbridge/protocol"
)

// Config 是主配置结构
type Config struct {
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Engine    EngineConfig    `mapstructure:"engine" json:"engine"`
	Approvals ApprovalsConfig `mapstructure:"approvals" json:"approvals"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `mapstructure:"level" json:"level"`
	Encoding    string   `mapstructure:"encoding" json:"encoding"`
	Development bool     `mapstructure:"development" json:"development"`
	OutputPaths []string `mapstructure:"output_paths" json:"output_paths,omitempty"`
}

// EngineConfig Claude CLI 配置
type EngineConfig struct {
	ExecutablePath        string        `mapstructure:"executable_path" json:"executable_path"`
	Model                 string        `mapstructure:"model" json:"model,omitempty"`
	PermissionMode        string        `mapstructure:"permission_mode" json:"permission_mode,omitempty"`
	WorkDir               string        `mapstructure:"work_dir" json:"work_dir,omitempty"`
	AllowedTools          []string      `mapstructure:"allowed_tools" json:"allowed_tools,omitempty"`
	DisallowedTools       []string      `mapstructure:"disallowed_tools" json:"disallowed_tools,omitempty"`
	AdditionalDirectories []string      `mapstructure:"additional_directories" json:"additional_directories,omitempty"`
	Env                   []string      `mapstructure:"env" json:"env,omitempty"`
	InitTimeout           time.Duration `mapstructure:"init_timeout" json:"init_timeout"`
	GracePeriod           time.Duration `mapstructure:"grace_period" json:"grace_period"`
	// MaxRebinds limits how often a run adopts a session id reported by
	// the CLI.
	MaxRebinds int `mapstructure:"max_rebinds" json:"max_rebinds"`
}

// CommandDefaults returns the options applied to commands that leave them
// empty.
func (c EngineConfig) CommandDefaults() protocol.CommandOptions {
	return protocol.CommandOptions{
		Cwd: c.WorkDir,
		ToolsSettings: protocol.ToolsSettings{
			AllowedTools:    c.AllowedTools,
			DisallowedTools: c.DisallowedTools,
		},
		PermissionMode:        protocol.PermissionMode(c.PermissionMode),
		Model:                 c.Model,
		AdditionalDirectories: c.AdditionalDirectories,
		ExecutablePath:        c.ExecutablePath,
	}
}

// ApprovalsConfig 工具审批配置
type ApprovalsConfig struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Host           string        `mapstructure:"host" json:"host"`
	Port           int           `mapstructure:"port" json:"port"`
	Path           string        `mapstructure:"path" json:"path"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	EnableAuth     bool          `mapstructure:"enable_auth" json:"enable_auth"`
	AuthToken      string        `mapstructure:"auth_token" json:"auth_token,omitempty"`
	PingInterval   time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout" json:"pong_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size" json:"max_message_size"`
	EnableMetrics  bool          `mapstructure:"enable_metrics" json:"enable_metrics"`
}
