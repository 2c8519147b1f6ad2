package cli

import (
	"context"
	"errors"
	"os"

	"github.com/smallnest/clawbridge/gateway"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/spf13/cobra"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve JSON-RPC over stdin/stdout",
	Long: `Read one JSON-RPC request per stdin line and write responses and session
envelopes to stdout, one record per line. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runStdio,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()

	orch := newOrchestrator(cfg)
	handler := gateway.NewHandler(ctx, orch,
		gateway.WithVersion(Version),
		gateway.WithHandlerLogger(logger.L().Named("stdio")))

	err = gateway.NewStdioServer(handler, os.Stdin, os.Stdout).Serve(ctx)
	// stdin closed: let running sessions finish
	handler.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
