// ABOUTME: Entry point for the parley chat client
// ABOUTME: Multi-conversation chat over the backend's streaming API with readline-style input

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/strandline/parley/internal/backend"
	"github.com/strandline/parley/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the parley config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/parley.yaml > ~/.config/parley/parley.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "parley.yaml")
}

// getToken returns the bearer token from PARLEY_TOKEN or the config file.
func getToken(cfg *config.Config) string {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}
	return cfg.Auth.Token
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command := "chat"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	var err error
	switch command {
	case "chat":
		err = runChat(ctx)
	case "health":
		err = runHealth(ctx)
	case "usage":
		err = runUsage(ctx)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: parley [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat     Start the interactive chat (default)")
	fmt.Println("  health   Check backend health and readiness")
	fmt.Println("  usage    Show backend token usage for this session")
	fmt.Println("  init     Create a starter config file")
	fmt.Println("  version  Print the version")
}

// loadEnvironment loads config and builds the logger and backend client.
func loadEnvironment() (*config.Config, *slog.Logger, *backend.Client, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	client := backend.New(cfg.Server.BaseURL, getToken(cfg), cfg.Server.RequestTimeout, logger)
	return cfg, logger, client, nil
}

func runHealth(ctx context.Context) error {
	cfg, _, client, err := loadEnvironment()
	if err != nil {
		return err
	}

	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Backend:  %s\n", cfg.Server.BaseURL)
	fmt.Printf("Status:   %s (version %s)\n", h.Status, h.Version)
	if h.Ready() {
		green.Println("Context:  ready")
	} else {
		yellow.Printf("Context:  %s (sends are gated until ready)\n", h.ContextProviderStatus)
	}
	return nil
}

func runUsage(ctx context.Context) error {
	_, _, client, err := loadEnvironment()
	if err != nil {
		return err
	}

	u, err := client.Usage(ctx)
	if err != nil {
		return fmt.Errorf("fetching usage: %w", err)
	}

	printUsageCounters(u)
	return nil
}

func printUsageCounters(u *backend.Usage) {
	cyan := color.New(color.FgCyan)

	cyan.Println("Session token usage")
	fmt.Printf("  prompt tokens:     %d\n", u.TotalPromptTokens)
	fmt.Printf("  completion tokens: %d\n", u.TotalCompletionTokens)
	fmt.Printf("  total tokens:      %d\n", u.TotalTokens)
	fmt.Printf("  API calls:         %d\n", u.TotalAPICalls)
	fmt.Printf("  estimated cost:    $%.4f\n", u.EstimatedCostUSD)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("parley configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	baseURL := prompt(reader, "Backend base URL", "http://localhost:8000")

	content := fmt.Sprintf(`server:
  base_url: %q
  request_timeout: "15s"

auth:
  # Bearer token for the backend, if it requires one.
  # PARLEY_TOKEN overrides this value.
  token: ""

logging:
  level: "info"
  format: "text"

export:
  # Directory for /export transcripts. Empty means the current directory.
  dir: ""
`, baseURL)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("Wrote %s", outputFile)
	return nil
}

// prompt reads one line with a default.
func prompt(reader *bufio.Reader, question, def string) string {
	fmt.Printf("%s [%s]: ", question, def)
	line, err := reader.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
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
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output on stderr with
// thread-safe writes. Logs stay off stdout so they never interleave
// with the conversation itself.
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
	fmt.Fprint(os.Stderr, buf.String())
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
