// Phasegated runs the phasegate pipeline daemon.
//
// It serves the task, approval and metrics API over HTTP, persists state in
// memory or SQLite, publishes pipeline events to NATS when configured, and
// optionally drives each task with a Temporal workflow.
//
// Usage:
//
//	# Start with ~/.config/phasegate/config.yaml (or defaults)
//	phasegated
//
//	# Explicit config and environment overrides
//	PHASEGATE_SERVER_PORT=8088 phasegated -config /etc/phasegate/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/phasegate/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  phasegated [-config path]   Start the pipeline daemon\n")
			fmt.Fprintf(os.Stderr, "  phasegated version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("phasegated: %v", err)
	}
}

func printVersion() {
	fmt.Printf("phasegated by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
