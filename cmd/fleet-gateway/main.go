// ABOUTME: Entry point for the fleet-gateway coordination server
// ABOUTME: Manages monitored device agents and operator console connections

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/netwatch/fleet-gateway/internal/auth"
	"github.com/netwatch/fleet-gateway/internal/config"
	"github.com/netwatch/fleet-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                     _
 / _| | ___  ___| |_       __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/gateway.yaml > ~/.config/fleet/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "gateway.yaml")
}

// getDataPath returns the path to the fleet data directory.
// Priority: XDG_DATA_HOME/fleet > ~/.local/share/fleet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fleet")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                               Start the gateway server")
		fmt.Println("  bootstrap --user ID --org ID        Create config and an operator token")
		fmt.Println("  token --user ID --org ID [--ttl D]  Issue an operator console token")
		fmt.Println("  health                              Check gateway health")
		fmt.Println("  devices                             Check whether any devices are connected")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "devices":
		err = runDevices(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ▶ ")
		fmt.Println("Auth:      disabled (no jwt_secret configured)")
	}

	fmt.Println()

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runDevices(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("devices check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates a config file with a random JWT secret (if not exists)
// 2. Issues an operator token for the given user/org pair
//
// This is a one-command setup: fleet-gateway bootstrap --user alice --org acme
func runBootstrap() error {
	userID, orgID, _, err := parsePrincipalFlags(os.Args[2:])
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var jwtSecret string

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Generate random JWT secret
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)

		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# fleet-gateway configuration
# Generated by fleet-gateway bootstrap

server:
  http_addr: "localhost:8080"
  artifacts_dir: "%s"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "artifacts"), dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
		}
		jwtSecret = cfg.Auth.JWTSecret

		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	verifier := auth.NewJWTVerifier([]byte(jwtSecret))

	// Default TTL: 30 days
	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	token, err := verifier.Generate(auth.Principal{UserID: userID, OrgID: orgID}, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	// Save token to file for CLI tools to read
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Operator Token")
	cyan.Println("  --------------")
	fmt.Printf("  User:    %s\n", userID)
	fmt.Printf("  Org:     %s\n", orgID)
	fmt.Printf("  Token:   %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    fleet-gateway serve    # start the gateway")
	fmt.Println("    fleet-admin devices    # list connected devices")
	fmt.Println()

	return nil
}

// runToken issues an operator token against an existing config's JWT secret.
func runToken() error {
	userID, orgID, ttl, err := parsePrincipalFlags(os.Args[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured (gateway is running without authentication)")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(auth.Principal{UserID: userID, OrgID: orgID}, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// parsePrincipalFlags parses --user and --org (required) plus --ttl (optional,
// default 30 days). Supports both "--flag value" and "--flag=value" forms.
func parsePrincipalFlags(args []string) (userID, orgID string, ttl time.Duration, err error) {
	ttl = 30 * 24 * time.Hour

	take := func(i int, name string) (string, int, error) {
		if i+1 >= len(args) {
			return "", i, fmt.Errorf("%s requires a value", name)
		}
		return args[i+1], i + 1, nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			userID, i, err = take(i, "--user")
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--org" || arg == "-o":
			orgID, i, err = take(i, "--org")
		case strings.HasPrefix(arg, "--org="):
			orgID = strings.TrimPrefix(arg, "--org=")
		case arg == "--ttl":
			var raw string
			raw, i, err = take(i, "--ttl")
			if err == nil {
				ttl, err = time.ParseDuration(raw)
			}
		case strings.HasPrefix(arg, "--ttl="):
			ttl, err = time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
		case strings.HasPrefix(arg, "-"):
			err = fmt.Errorf("unknown flag: %s", arg)
		default:
			err = fmt.Errorf("unexpected argument: %s", arg)
		}
		if err != nil {
			return "", "", 0, err
		}
	}

	if userID == "" {
		return "", "", 0, fmt.Errorf("--user flag is required")
	}
	if orgID == "" {
		return "", "", 0, fmt.Errorf("--org flag is required")
	}

	return userID, orgID, ttl, nil
}
