package cli

import (
	"fmt"

	"github.com/smallnest/clawbridge/gateway"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveHost  string
	servePort  int
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	Long:  `Serve JSON-RPC control requests over WebSocket, with /health and /metrics endpoints.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveHost, "host", "H", "", "Bind address (overrides gateway.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides gateway.port)")
	serveCmd.Flags().StringVarP(&serveToken, "token", "t", "", "Authentication token; enables auth")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint:errcheck

	// Override config with flags
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}
	if serveToken != "" {
		cfg.Gateway.EnableAuth = true
		cfg.Gateway.AuthToken = serveToken
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch := newOrchestrator(cfg)
	watchConfig(orch.Broker())

	handler := gateway.NewHandler(ctx, orch,
		gateway.WithVersion(Version),
		gateway.WithHandlerLogger(logger.L().Named("gateway")))
	server := gateway.NewServer(cfg.Gateway, handler)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "clawbridge %s listening on ws://%s%s\n", Version, server.Addr(), cfg.Gateway.Path)

	<-ctx.Done()
	if err := server.Stop(); err != nil {
		logger.Warn("Gateway shutdown incomplete", zap.Error(err))
	}
	handler.Wait()
	return nil
}
