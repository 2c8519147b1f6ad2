package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 CLAWBRIDGE_GATEWAY_PORT
const EnvPrefix = "CLAWBRIDGE"

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(ExpandUserPath(configPath))
	} else {
		// 默认配置文件搜索路径（按优先级）
		home, err := ResolveUserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		// 1) 当前工作目录下 .clawbridge/config.json
		v.AddConfigPath(filepath.Join(".", ".clawbridge"))
		// 2) 当前工作目录 ./config.json
		v.AddConfigPath(".")
		// 3) 用户目录 ~/.clawbridge/config.json
		v.AddConfigPath(filepath.Join(home, ".clawbridge"))
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Engine.WorkDir = ExpandUserPath(cfg.Engine.WorkDir)
	cfg.Engine.ExecutablePath = ExpandUserPath(cfg.Engine.ExecutablePath)
	for i, dir := range cfg.Engine.AdditionalDirectories {
		cfg.Engine.AdditionalDirectories[i] = ExpandUserPath(dir)
	}
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)

	// Claude CLI 默认配置
	v.SetDefault("engine.executable_path", "claude")
	v.SetDefault("engine.permission_mode", "")
	v.SetDefault("engine.model", "")
	v.SetDefault("engine.work_dir", "")
	// Use time.Duration defaults; plain integers would become nanoseconds when unmarshaled.
	v.SetDefault("engine.init_timeout", 60*time.Second)
	v.SetDefault("engine.grace_period", 5*time.Second)
	v.SetDefault("engine.max_rebinds", 1)

	// 工具审批默认配置
	v.SetDefault("approvals.timeout", 100*time.Second)

	// Gateway 默认配置
	v.SetDefault("gateway.host", "localhost")
	v.SetDefault("gateway.port", 8787)
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.read_timeout", 30*time.Second)
	v.SetDefault("gateway.write_timeout", 30*time.Second)
	v.SetDefault("gateway.enable_auth", false)
	v.SetDefault("gateway.auth_token", "")
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.pong_timeout", 60*time.Second)
	v.SetDefault("gateway.max_message_size", 10*1024*1024)
	v.SetDefault("gateway.enable_metrics", true)
}

// Watch 监听配置文件变化。文件每次写入后重新解析并校验，结果交给 onChange。
// 必须存在可读的配置文件。
func Watch(configPath string, onChange func(*Config, error)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = Validate(cfg)
		}
		if err == nil {
			globalConfig = cfg
		}
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	// 确保目录存在
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 配置中可能包含 auth_token
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() (string, error) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawbridge", "config.json"), nil
}

// ResolveUserHomeDir returns the best-effort user home directory.
// On Windows, prefer USERPROFILE or HOMEDRIVE+HOMEPATH to avoid HOME drift.
func ResolveUserHomeDir() (string, error) {
	if runtime.GOOS == "windows" {
		if profile := strings.TrimSpace(os.Getenv("USERPROFILE")); profile != "" {
			return profile, nil
		}
		drive := strings.TrimSpace(os.Getenv("HOMEDRIVE"))
		path := strings.TrimSpace(os.Getenv("HOMEPATH"))
		if drive != "" && path != "" {
			return filepath.Clean(drive + path), nil
		}
	}
	return os.UserHomeDir()
}

// Validate 验证配置
func Validate(cfg *Config) error {
	if err := validateLog(cfg); err != nil {
		return fmt.Errorf("log config invalid: %w", err)
	}

	if err := validateEngine(cfg); err != nil {
		return fmt.Errorf("engine config invalid: %w", err)
	}

	if cfg.Approvals.Timeout <= 0 {
		return fmt.Errorf("approvals config invalid: timeout must be positive")
	}

	if err := validateGateway(cfg); err != nil {
		return fmt.Errorf("gateway config invalid: %w", err)
	}

	return nil
}

// validateLog 验证日志配置
func validateLog(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "", "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("unknown level %q", cfg.Log.Level)
	}

	switch cfg.Log.Encoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("encoding must be console or json")
	}
	return nil
}

// validateEngine 验证 Claude CLI 配置
func validateEngine(cfg *Config) error {
	if strings.TrimSpace(cfg.Engine.ExecutablePath) == "" {
		return fmt.Errorf("executable_path cannot be empty")
	}

	if !protocol.PermissionMode(cfg.Engine.PermissionMode).Valid() {
		return fmt.Errorf("unknown permission_mode %q", cfg.Engine.PermissionMode)
	}

	if cfg.Engine.MaxRebinds < 0 {
		return fmt.Errorf("max_rebinds must be non-negative")
	}

	if cfg.Engine.InitTimeout < 0 || cfg.Engine.GracePeriod < 0 {
		return fmt.Errorf("init_timeout and grace_period must be non-negative")
	}
	return nil
}

// validateGateway 验证网关配置
func validateGateway(cfg *Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}

	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return fmt.Errorf("gateway path must start with /")
	}

	if cfg.Gateway.ReadTimeout <= 0 {
		return fmt.Errorf("gateway read_timeout must be positive")
	}

	if cfg.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway write_timeout must be positive")
	}

	if cfg.Gateway.EnableAuth && strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		return fmt.Errorf("gateway auth_token is required when enable_auth is set")
	}

	if cfg.Gateway.PingInterval <= 0 || cfg.Gateway.PongTimeout <= cfg.Gateway.PingInterval {
		return fmt.Errorf("gateway pong_timeout must exceed a positive ping_interval")
	}

	if cfg.Gateway.MaxMessageSize <= 0 {
		return fmt.Errorf("gateway max_message_size must be positive")
	}

	return nil
}
