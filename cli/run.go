package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/smallnest/clawbridge/sink"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	runSession string
	runCwd     string
	runModel   string
	runFork    bool
	runFormat  string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one headless turn and print the collected result",
	Long: `Run one turn without a live consumer. Tool approvals are bypassed. The
prompt is read from stdin when it is "-" or omitted.`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Resume this session id")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory for the CLI")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().BoolVar(&runFork, "fork", false, "Fork the resumed session")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "json", "Output format (json, yaml)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the turn after this duration")
	rootCmd.AddCommand(runCmd)
}

func runHeadless(cmd *cobra.Command, args []string) error {
	if runFormat != "json" && runFormat != "yaml" {
		return fmt.Errorf("unknown format %q", runFormat)
	}

	prompt := strings.Join(args, " ")
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" && runSession == "" {
		return fmt.Errorf("a prompt is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()
	if runTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, runTimeout)
		defer tcancel()
	}

	orch := newOrchestrator(cfg)
	result, runErr := orch.RunHeadless(ctx, prompt, protocol.CommandOptions{
		SessionID:   runSession,
		Cwd:         runCwd,
		Model:       runModel,
		ForkSession: runFork,
	})
	if result == nil {
		return runErr
	}

	if err := writeResult(cmd.OutOrStdout(), result, runFormat); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("session %s exited with code %d", result.SessionID, result.ExitCode)
	}
	return nil
}

// writeResult prints r as indented JSON or YAML.
func writeResult(w io.Writer, r *sink.Result, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	// yaml.v3 cannot marshal json.RawMessage as structured data
	responses := make([]interface{}, 0, len(r.Responses))
	for _, raw := range r.Responses {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		responses = append(responses, v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]interface{}{
		"sessionId": r.SessionID,
		"exitCode":  r.ExitCode,
		"responses": responses,
	})
}
