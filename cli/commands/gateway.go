// Package commands holds client-side subcommands that talk to a running
// clawbridge gateway.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallnest/clawbridge/config"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var (
	gatewayURL      string
	gatewayToken    string
	gatewayParams   string
	gatewayTimeout  time.Duration
	gatewayDecision string
)

// GatewayCommand returns the gateway command
func GatewayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Talk to a running WebSocket gateway",
		Long:  `Query and drive a clawbridge gateway started with "clawbridge serve".`,
	}
	cmd.PersistentFlags().StringVarP(&gatewayURL, "url", "u", "", "Gateway WebSocket URL (default from gateway config)")
	cmd.PersistentFlags().StringVarP(&gatewayToken, "token", "t", "", "Authentication token (default gateway.auth_token)")
	cmd.PersistentFlags().DurationVar(&gatewayTimeout, "timeout", 10*time.Minute, "Give up after this duration")

	// Gateway health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE:  runGatewayHealth,
	}

	// Gateway call command
	callCmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Make RPC call to gateway",
		Long: `Send one JSON-RPC request and print every frame received. For
claude.command the call waits until the session completes.`,
		Args: cobra.ExactArgs(1),
		RunE: runGatewayCall,
	}
	callCmd.Flags().StringVarP(&gatewayParams, "params", "p", "{}", "Parameters as JSON")
	callCmd.Flags().StringVar(&gatewayDecision, "decision", "", "Answer permission requests automatically (allow, deny)")

	cmd.AddCommand(healthCmd, callCmd)

	return cmd
}

// resolveEndpoint returns the WebSocket URL and token to use.
func resolveEndpoint(cmd *cobra.Command) (string, string, error) {
	wsURL, token := gatewayURL, gatewayToken
	if wsURL != "" && token != "" {
		return wsURL, token, nil
	}

	path := ""
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", "", err
	}
	if wsURL == "" {
		wsURL = fmt.Sprintf("ws://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.Path)
	}
	if token == "" && cfg.Gateway.EnableAuth {
		token = cfg.Gateway.AuthToken
	}
	return wsURL, token, nil
}

// healthURL maps a WebSocket URL onto the /health endpoint.
func healthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// runGatewayHealth checks gateway health
func runGatewayHealth(cmd *cobra.Command, args []string) error {
	wsURL, _, err := resolveEndpoint(cmd)
	if err != nil {
		return err
	}
	target, err := healthURL(wsURL)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(cmd.OutOrStdout(), "Health: OK\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", strings.TrimSpace(string(body)))
	return nil
}

// runGatewayCall makes an RPC call to gateway
func runGatewayCall(cmd *cobra.Command, args []string) error {
	method := args[0]

	if !json.Valid([]byte(gatewayParams)) {
		return fmt.Errorf("invalid params JSON: %s", gatewayParams)
	}
	switch gatewayDecision {
	case "", string(protocol.PermissionBehaviorAllow), string(protocol.PermissionBehaviorDeny):
	default:
		return fmt.Errorf("decision must be allow or deny")
	}

	wsURL, token, err := resolveEndpoint(cmd)
	if err != nil {
		return err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  method,
		"params":  json.RawMessage(gatewayParams),
	}
	if err := conn.WriteJSON(request); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	streaming := method == "claude.command"
	deadline := time.Now().Add(gatewayTimeout)
	out := cmd.OutOrStdout()
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		frame := gjson.ParseBytes(data)

		// 跳过欢迎通知
		if frame.Get("method").String() == "connected" {
			continue
		}
		fmt.Fprintln(out, string(data))

		if frame.Get("id").String() == "1" {
			if e := frame.Get("error"); e.Exists() {
				return fmt.Errorf("rpc error %d: %s", e.Get("code").Int(), e.Get("message").String())
			}
			if !streaming {
				return nil
			}
			continue
		}

		if frame.Get("type").String() != protocol.EnvelopeType {
			continue
		}
		switch protocol.MessageType(frame.Get("content.type").String()) {
		case protocol.MessageTypePermissionRequest:
			if gatewayDecision != "" {
				if err := answerPermission(conn, frame.Get("content")); err != nil {
					return err
				}
			}
		case protocol.MessageTypeComplete:
			if code := frame.Get("content.exitCode").Int(); code != 0 {
				return fmt.Errorf("session exited with code %d", code)
			}
			return nil
		}
	}
}

func answerPermission(conn *websocket.Conn, content gjson.Result) error {
	result := protocol.PermissionResult{Behavior: protocol.PermissionBehavior(gatewayDecision)}
	if !result.Allowed() {
		result.Message = "Denied from the command line"
	}
	return conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "permission-" + content.Get("permissionPayload.requestId").String(),
		"method":  "claude.permission_response",
		"params": protocol.PermissionResponse{
			SessionID: content.Get("sessionId").String(),
			RequestID: content.Get("permissionPayload.requestId").String(),
			Result:    result,
		},
	})
}
