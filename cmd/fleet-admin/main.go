// ABOUTME: Operator CLI for fleet-gateway device and session management
// ABOUTME: Talks to the gateway REST API with JWT authentication

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/netwatch/fleet-gateway/internal/gateway"
)

const banner = `
  __ _           _                  _           _
 / _| | ___  ___| |_       __ _  __| |_ __ ___ (_)_ __
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | '_ ' _ \| | '_ \
|  _| |  __/  __/ ||_____| (_| | (_| | | | | | | | | | |
|_| |_|\___|\___|\__|     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("FLEET_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	token := getToken()

	c := &client{baseURL: baseURL, token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "devices":
		err = cmdDevices(c)
	case "run":
		err = cmdRun(c, args)
	case "command":
		err = cmdCommand(c, args)
	case "session":
		err = cmdSession(c, args)
	case "status":
		err = cmdStatus(c)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: fleet-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  devices                        List devices with latest telemetry")
	fmt.Println("  run <device> <cmd> [payload]   Enqueue a command (payload is raw JSON)")
	fmt.Println("  command <id> [--wait]          Show command status, optionally poll until terminal")
	fmt.Println("  session start <device> <type>  Request a remote session (VIEW, CONTROL, SHELL)")
	fmt.Println("  session show <id>              Show session state")
	fmt.Println("  session end <id>               End a session")
	fmt.Println("  status                         Show gateway reachability")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FLEET_GATEWAY_URL   Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  FLEET_TOKEN         JWT token (falls back to ~/.config/fleet/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  fleet-admin devices")
	fmt.Println("  fleet-admin run lab-pc-01 LOCK")
	fmt.Println("  fleet-admin run lab-pc-01 MESSAGE '{\"text\":\"class starts in 5 minutes\"}'")
	fmt.Println("  fleet-admin session start lab-pc-01 VIEW")
	fmt.Println()
}

// client is a thin wrapper over the gateway REST API.
type client struct {
	baseURL string
	token   string
}

// call issues a request and decodes the JSON response into out (when non-nil).
// Non-2xx responses are turned into errors carrying the server's message.
func (c *client) call(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// cmdDevices lists all devices in the operator's organization.
func cmdDevices(c *client) error {
	var devices []gateway.DeviceResponse
	if err := c.call(http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Devices")
	cyan.Println("  -------")

	if len(devices) == 0 {
		fmt.Println("  (no devices)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  DEVICE\tHOSTNAME\tSTATUS\tCPU\tMEM\tDISK\tLAST SEEN")
	fmt.Fprintln(w, "  ------\t--------\t------\t---\t---\t----\t---------")

	for _, d := range devices {
		status := color.RedString("offline")
		if d.Online {
			status = color.GreenString("online")
		}
		lastSeen := d.LastSeenAt
		if t, err := time.Parse(time.RFC3339, d.LastSeenAt); err == nil {
			lastSeen = t.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%.0f%%\t%.0f%%\t%.0f%%\t%s\n",
			truncate(d.DeviceID, 20), truncate(d.Hostname, 20), status,
			d.CPU, d.Mem, d.Disk, lastSeen)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdRun enqueues a command for a device.
func cmdRun(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: run <device-id> <command> [payload-json]")
	}

	req := gateway.EnqueueCommandRequest{
		DeviceID: args[0],
		Command:  strings.ToUpper(args[1]),
	}
	if len(args) > 2 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = json.RawMessage(args[2])
	}

	var resp gateway.EnqueueCommandResponse
	if err := c.call(http.MethodPost, "/api/commands", req, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Enqueued: %s\n", resp.CommandID)
	fmt.Printf("  Status: %s\n", resp.Status)
	return nil
}

// cmdCommand shows a command's state; --wait polls until it reaches a
// terminal state.
func cmdCommand(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: command <command-id> [--wait]")
	}
	id := args[0]
	wait := len(args) > 1 && args[1] == "--wait"

	for {
		var resp gateway.CommandStatusResponse
		if err := c.call(http.MethodGet, "/api/commands/"+id, nil, &resp); err != nil {
			return err
		}

		terminal := resp.Status != "PENDING" && resp.Status != "SENT"
		if !wait || terminal {
			printCommand(&resp)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func printCommand(resp *gateway.CommandStatusResponse) {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Command")
	cyan.Println("  -------")
	fmt.Printf("  ID:       %s\n", resp.CommandID)
	fmt.Printf("  Device:   %s\n", resp.DeviceID)
	fmt.Printf("  Command:  %s\n", resp.Command)
	fmt.Printf("  Status:   %s\n", colorStatus(resp.Status))
	if resp.Response != "" {
		fmt.Printf("  Response: %s\n", resp.Response)
	}
	if resp.Error != "" {
		fmt.Printf("  Error:    %s\n", color.RedString(resp.Error))
	}
	fmt.Printf("  Created:  %s\n", resp.CreatedAt)
	if resp.SentAt != "" {
		fmt.Printf("  Sent:     %s\n", resp.SentAt)
	}
	if resp.ExecutedAt != "" {
		fmt.Printf("  Executed: %s\n", resp.ExecutedAt)
	}
	fmt.Println()
}

func colorStatus(status string) string {
	switch status {
	case "EXECUTED", "ACTIVE":
		return color.GreenString(status)
	case "FAILED":
		return color.RedString(status)
	case "PENDING", "SENT":
		return color.YellowString(status)
	default:
		return status
	}
}

// cmdSession handles session subcommands.
func cmdSession(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: session <start|show|end> ...")
	}

	switch args[0] {
	case "start":
		if len(args) < 3 {
			return fmt.Errorf("usage: session start <device-id> <VIEW|CONTROL|SHELL>")
		}
		req := gateway.CreateSessionRequest{
			DeviceID:    args[1],
			SessionType: strings.ToUpper(args[2]),
		}
		var resp gateway.SessionResponse
		if err := c.call(http.MethodPost, "/api/sessions", req, &resp); err != nil {
			return err
		}
		green := color.New(color.FgGreen)
		green.Printf("✓ Session requested: %s\n", resp.SessionID)
		fmt.Printf("  Device: %s\n", resp.DeviceID)
		fmt.Printf("  Type:   %s\n", resp.SessionType)
		fmt.Printf("  Status: %s\n", colorStatus(resp.Status))
		fmt.Printf("  Key:    %s\n", resp.SessionKey)
		return nil

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: session show <session-id>")
		}
		var resp gateway.SessionResponse
		if err := c.call(http.MethodGet, "/api/sessions/"+args[1], nil, &resp); err != nil {
			return err
		}
		printSession(&resp)
		return nil

	case "end":
		if len(args) < 2 {
			return fmt.Errorf("usage: session end <session-id>")
		}
		var resp gateway.SessionResponse
		if err := c.call(http.MethodDelete, "/api/sessions/"+args[1], nil, &resp); err != nil {
			return err
		}
		green := color.New(color.FgGreen)
		green.Printf("✓ Session ended: %s\n", resp.SessionID)
		return nil

	default:
		return fmt.Errorf("unknown session subcommand: %s (use start, show, end)", args[0])
	}
}

func printSession(resp *gateway.SessionResponse) {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Session")
	cyan.Println("  -------")
	fmt.Printf("  ID:     %s\n", resp.SessionID)
	fmt.Printf("  Device: %s\n", resp.DeviceID)
	fmt.Printf("  Type:   %s\n", resp.SessionType)
	fmt.Printf("  Status: %s\n", colorStatus(resp.Status))
	if resp.EndReason != "" {
		fmt.Printf("  Reason: %s\n", resp.EndReason)
	}
	fmt.Println()
}

// cmdStatus shows gateway reachability.
func cmdStatus(c *client) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	if err := c.call(http.MethodGet, "/health", nil, nil); err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}

	green.Printf("  Gateway:  ")
	fmt.Printf("healthy at %s\n", c.baseURL)

	var devices []gateway.DeviceResponse
	if err := c.call(http.MethodGet, "/api/devices", nil, &devices); err != nil {
		yellow.Printf("  Devices:  ")
		color.Red("auth failed (%v)\n", err)
	} else {
		online := 0
		for _, d := range devices {
			if d.Online {
				online++
			}
		}
		green.Printf("  Devices:  ")
		fmt.Printf("%d known, %d online\n", len(devices), online)
	}

	if c.token == "" {
		yellow.Printf("  Token:    ")
		fmt.Println("(none - set FLEET_TOKEN)")
	}

	fmt.Println()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// getToken returns the JWT token from FLEET_TOKEN or ~/.config/fleet/token.
func getToken() string {
	if token := os.Getenv("FLEET_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "fleet", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
