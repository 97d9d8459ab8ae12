// ABOUTME: Entry point for the chatrelay server and its command-line helpers
// ABOUTME: Subcommands serve, init, health, conversations, and one-shot chat

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/chatrelay/internal/client"
	"github.com/2389/chatrelay/internal/config"
	"github.com/2389/chatrelay/internal/gateway"
	"github.com/2389/chatrelay/internal/logging"
	"github.com/2389/chatrelay/internal/stream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _
   ___| |__   __ _| |_ _ __ ___| | __ _ _   _
  / __| '_ \ / _' | __| '__/ _ \ |/ _' | | | |
 | (__| | | | (_| | |_| | |  __/ | (_| | |_| |
  \___|_| |_|\__,_|\__|_|  \___|_|\__,_|\__, |
                                        |___/
`

// getConfigPath returns the path to the config file.
// Priority: CHATRELAY_CONFIG env var > XDG_CONFIG_HOME/chatrelay/config.yaml > ~/.config/chatrelay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATRELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatrelay", "config.yaml")
}

// getDataPath returns the chatrelay data directory.
// Priority: XDG_DATA_HOME/chatrelay > ~/.local/share/chatrelay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chatrelay")
}

func usage() {
	fmt.Println("Usage: chatrelay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the relay server")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println("  health                     Check server health")
	fmt.Println("  conversations [-limit N]   List conversations")
	fmt.Println("  chat [-c ID] MESSAGE       Send one message and print the reply")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "conversations":
		err = runConversations(ctx, os.Args[2:])
	case "chat":
		err = runChat(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
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
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Generation.Provider)
	green.Print("    ▶ ")
	fmt.Printf("Limits:    chat %d, api %d per %s\n",
		cfg.RateLimit.ChatLimit, cfg.RateLimit.APILimit, cfg.RateLimit.Window)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting chatrelay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"provider", cfg.Generation.Provider,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	logger := logging.New(cfg.Level, cfg.Format, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// loadClientConfig reads the config when present; client commands work
// against a default local server without one.
func loadClientConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// serverURL returns the base URL client commands talk to.
// CHATRELAY_URL overrides the configured HTTP address.
func serverURL(cfg *config.Config) string {
	if u := os.Getenv("CHATRELAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.NewAPI(serverURL(cfg), nil).Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func runConversations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum conversations to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadClientConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	convs, err := client.NewAPI(serverURL(cfg), nil).ListConversations(ctx, *limit)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, c := range convs {
		fmt.Printf("%s  %-40s ", c.ID, c.DisplayTitle())
		gray.Printf("%d messages, updated %s\n", c.MessageCount, c.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	return nil
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	convID := fs.String("c", "", "Conversation ID to continue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	message := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is required")
	}

	cfg, err := loadClientConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	session := client.NewSession(client.NewHTTPTransport(serverURL(cfg)), client.SessionOptions{
		ConversationID: *convID,
		Navigator: client.NavigatorFunc(func(id string) {
			gray.Printf("[conversation %s]\n", id)
		}),
		Observer: client.Observer{
			OnEvent: func(ev stream.Event) {
				if t, ok := ev.(stream.Text); ok {
					fmt.Print(t.Fragment)
				}
			},
		},
	})

	err = session.Send(ctx, message)
	fmt.Println()
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RateLimited() {
			return fmt.Errorf("%s (retry in %ds)", apiErr.Message, apiErr.RetryAfter)
		}
		return err
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("chatrelay configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	cfg := config.Default()
	defaultDbPath := filepath.Join(getDataPath(), "chatrelay.db")

	outputFile := prompt(reader, "Config file path (.yaml or .toml)", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = orNone(prompt(reader, "gRPC address (none to disable)", cfg.Server.GRPCAddr))
	cfg.Server.CORSOrigin = orNone(prompt(reader, "Allowed CORS origin (none to disable)", cfg.Server.CORSOrigin))

	fmt.Println("\n--- Database Configuration ---")
	cfg.Database.Path = prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Generation ---")
	cfg.Generation.Provider = prompt(reader, "Provider (echo/openai/anthropic)", cfg.Generation.Provider)
	switch cfg.Generation.Provider {
	case "openai":
		cfg.Generation.BaseURL = prompt(reader, "Base URL", "https://api.openai.com/v1")
		cfg.Generation.Model = prompt(reader, "Model", "gpt-4o-mini")
		cfg.Generation.APIKey = prompt(reader, "API key", "${OPENAI_API_KEY}")
	case "anthropic":
		cfg.Generation.Model = prompt(reader, "Model", "claude-sonnet-4-5")
		cfg.Generation.APIKey = prompt(reader, "API key", "${ANTHROPIC_API_KEY}")
	}
	cfg.Generation.SystemPrompt = prompt(reader, "System prompt (optional)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	cfg.Tailscale.Enabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", cfg.Tailscale.Hostname)
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		cfg.Tailscale.Funnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	if err := config.Write(cfg, outputFile); err != nil {
		return err
	}

	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  chatrelay serve\n")

	return nil
}

// orNone maps the answer "none" to an empty value.
func orNone(answer string) string {
	if strings.EqualFold(answer, "none") {
		return ""
	}
	return answer
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
