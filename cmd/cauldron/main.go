// ABOUTME: Entry point for the cauldron management server
// ABOUTME: Serves the job and host-agent API and offers small operator subcommands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/cauldron/internal/auth"
	"github.com/2389/cauldron/internal/config"
	"github.com/2389/cauldron/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _     _
  ___ __ _ _  _| |__| |_ _ ___ _ _
 / _/ _' | || | / _' | '_/ _ \ ' \
 \__\__,_|\_,_|_\__,_|_| \___/_||_|
`

// getConfigPath returns the path to the server config file.
// Priority: CAULDRON_CONFIG env var > XDG_CONFIG_HOME/cauldron/cauldron.yaml > ~/.config/cauldron/cauldron.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CAULDRON_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cauldron.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cauldron", "cauldron.yaml")
}

func usage() {
	fmt.Println("Usage: cauldron <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the server")
	fmt.Println("  health                         Check server health")
	fmt.Println("  hosts                          List hosts and their agent connections")
	fmt.Println("  jobs [-status S] [-limit N]    List jobs")
	fmt.Println("  token -account A -user U       Mint an API token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// a missing .env is fine
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "hosts":
		err = runHosts(ctx)
	case "jobs":
		err = runJobs(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
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
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Simulated: %d hosts\n", len(cfg.Simulator.Hosts))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled, API requests run as the system account")
	}
	fmt.Println()

	logger.Info("starting cauldron",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			logger.Info("config reloaded", "path", configPath)
			gw.ApplyConfig(next)
		})
		if err != nil {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	return gw.Run(ctx)
}

// runToken mints a bearer token with the configured JWT secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	accountID := fs.Int64("account", gateway.SystemAccountID, "account id")
	userID := fs.Int64("user", gateway.SystemUserID, "user id")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*accountID, *userID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
