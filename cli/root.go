// Package cli implements the clawbridge command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallnest/clawbridge/cli/commands"
	"github.com/smallnest/clawbridge/config"
	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/orchestrator"
	"github.com/smallnest/clawbridge/permission"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "clawbridge",
	Short: "Bridge Claude CLI sessions to WebSocket and stdio clients",
	Long: `clawbridge drives the Claude CLI on behalf of remote consumers. It streams
normalized session messages, routes tool approvals to the consumer and
tracks running sessions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./.clawbridge/config.json, ./config.json, ~/.clawbridge/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(commands.GatewayCommand())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads and validates the configuration and initializes the
// logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// stdout carries protocol records in stdio and run modes
	outputs := cfg.Log.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	if err := logger.Init(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
		OutputPaths: outputs,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// newOrchestrator wires the CLI engine, the broker and the orchestrator.
func newOrchestrator(cfg *config.Config) *orchestrator.Orchestrator {
	log := logger.L()
	eng := engine.NewCLIEngine(
		engine.WithExecutable(cfg.Engine.ExecutablePath),
		engine.WithEnv(cfg.Engine.Env...),
		engine.WithGracePeriod(cfg.Engine.GracePeriod),
		engine.WithInitTimeout(cfg.Engine.InitTimeout),
		engine.WithEngineLogger(log.Named("engine")),
	)
	broker := permission.NewBroker(
		permission.WithTimeout(cfg.Approvals.Timeout),
		permission.WithLogger(log.Named("permission")),
	)
	return orchestrator.New(eng, broker,
		orchestrator.WithLogger(log.Named("orchestrator")),
		orchestrator.WithMaxRebinds(cfg.Engine.MaxRebinds),
		orchestrator.WithDefaults(cfg.Engine.CommandDefaults()),
	)
}

// watchConfig applies approval timeout changes while serving.
func watchConfig(broker *permission.Broker) {
	err := config.Watch(configPath, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}
		broker.SetTimeout(cfg.Approvals.Timeout)
		logger.Info("Config reloaded", zap.Duration("approval_timeout", broker.Timeout()))
	})
	if err != nil {
		logger.Debug("Config watch disabled", zap.Error(err))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
