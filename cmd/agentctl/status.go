package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running agentctl daemon's status over its control plane",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Control plane listen address (default: from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig(nil)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Control.ListenAddr
	}

	url := "ws://" + addr + "/ws"
	if strings.HasPrefix(addr, ":") {
		url = "ws://localhost" + addr + "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()

	// Discard the hello frame the server sends on connect.
	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello frame: %w", err)
	}

	if err := conn.WriteJSON(envelope{Type: "status"}); err != nil {
		return fmt.Errorf("send status command: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var resp envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read status response: %w", err)
	}
	if resp.Type == "error" {
		return fmt.Errorf("daemon reported an error: %s", string(resp.Payload))
	}

	if GetOutput() == "json" {
		fmt.Println(string(resp.Payload))
		return nil
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp.Payload, &pretty); err != nil {
		fmt.Println(string(resp.Payload))
		return nil
	}
	data, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(data))
	return nil
}

// envelope mirrors internal/controlplane.Envelope's wire shape. Redeclared
// rather than imported so the CLI talks to the daemon purely over the wire
// protocol, the same way any other client would.
type envelope struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
