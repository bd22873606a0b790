// Flowlearnd is the flowlearn daemon.
//
// It serves the HTTP API, runs the feedback sweep scheduler, subscribes to
// NATS feedback intake when enabled, and loads curated seed patterns. With
// -mcp it serves the MCP tools on stdio instead of HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	flowlearnd
//
//	# Use a config file and override values from the environment
//	FLOWLEARN_SERVER_HTTP_PORT=9090 flowlearnd -config flowlearn.yaml
//
//	# Serve MCP tools on stdio
//	flowlearnd -mcp
//
//	# Apply migrations and exit
//	flowlearnd migrate
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLOWLEARN_CONFIG"), "path to the YAML config file")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio instead of HTTP")
	flag.Parse()
	args := flag.Args()

	mode := modeHTTP
	if *mcpMode {
		mode = modeMCP
	}
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "migrate":
			mode = modeMigrate
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  flowlearnd           Start the flowlearn daemon\n")
			fmt.Fprintf(os.Stderr, "  flowlearnd -mcp      Serve MCP tools on stdio\n")
			fmt.Fprintf(os.Stderr, "  flowlearnd migrate   Apply database migrations and exit\n")
			fmt.Fprintf(os.Stderr, "  flowlearnd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := run(ctx, cfg, mode); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		log.Fatalf("flowlearnd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("flowlearnd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

type runMode int

const (
	modeHTTP runMode = iota
	modeMCP
	modeMigrate
)

// run wires the application and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Database and migrations
//  3. Embeddings and semantic index (optional)
//  4. Stores, ingestion pipeline and retrieval service
//  5. Seed patterns, sweep scheduler and NATS intake
//  6. HTTP server or MCP stdio server
func run(ctx context.Context, cfg *config.Config, mode runMode) error {
	app, err := newApp(ctx, cfg, mode == modeMCP)
	if err != nil {
		return err
	}
	defer app.Close()

	if mode == modeMigrate {
		app.logger.Info(ctx, "migrations applied")
		return nil
	}

	if err := app.loadSeeds(ctx); err != nil {
		return err
	}
	if err := app.startBackground(ctx); err != nil {
		return err
	}

	if mode == modeMCP {
		return app.serveMCP(ctx)
	}
	return app.serveHTTP(ctx)
}

func (a *app) serveHTTP(ctx context.Context) error {
	srv, err := a.httpServer()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	a.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

func (a *app) serveMCP(ctx context.Context) error {
	srv, err := a.mcpServer()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "flowlearnd MCP stdio mode started (version %s)\n", version)
	err = srv.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// shutdownGrace bounds how long background workers get to stop.
const shutdownGrace = 5 * time.Second
