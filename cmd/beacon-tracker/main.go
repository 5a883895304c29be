// Command beacon-tracker provisions wearable beacons and tracks them.
//
// Usage:
//
//	beacon-tracker [--config path] <command> [flags]
//
// Commands:
//
//	init        write the default config file
//	link        register user_id with the backend
//	provision   give a factory-reset beacon a fresh identity
//	track       range registered beacons and upload telemetry
//	sync        merge the device registry with the backend
//	devices     list registered devices
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/beacon-tracker/internal/config"
)

type command struct {
	name string
	help string
	run  func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"init", "write the default config file", nil},
	{"link", "register user_id with the backend", runLink},
	{"provision", "give a factory-reset beacon a fresh identity", runProvision},
	{"track", "range registered beacons and upload telemetry", runTrack},
	{"sync", "merge the device registry with the backend", runSync},
	{"devices", "list registered devices", runDevices},
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/beacon-tracker/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]

	if name == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, cfg, args); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: beacon-tracker [--config path] <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.help)
	}
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, mode string) {
	fmt.Printf("=== beacon-tracker %s ===\n", mode)
	fmt.Printf("  Backend:  %s\n", cfg.Backend.URL)
	fmt.Printf("  User:     %s\n", cfg.UserID)
	fmt.Printf("  Region:   %s\n", cfg.Beacon.RegionUUID)
	fmt.Printf("  Registry: %s\n", cfg.Registry.Path)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=============================")
}
