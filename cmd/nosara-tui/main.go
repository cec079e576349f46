// Command nosara-tui is a terminal dashboard for a running nosara-sync
// daemon. It polls the debug API and follows the event stream.
//
// Usage:
//
//	nosara-tui -api http://localhost:8430
//	nosara-tui -api http://device:8430 -token "$NOSARA_TOKEN"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/tui"
)

func main() {
	apiURL := flag.String("api", tui.DefaultAPIURL, "base URL of the nosara-sync debug API")
	token := flag.String("token", os.Getenv("NOSARA_TOKEN"), "bearer token when the API requires auth")
	logPath := flag.String("log", "nosara-tui.log", "log file (stdout is owned by the TUI)")
	flag.Parse()

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := tui.NewClient(*apiURL, *token)
	stream, err := client.Events(ctx)
	if err != nil {
		// The dashboard still works by polling.
		logger.Warn("event stream unavailable", "api", *apiURL, "error", err)
	}

	logger.Info("tui started", "api", *apiURL)
	if err := tui.Run(ctx, client, stream); err != nil {
		logger.Error("tui stopped with error", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("tui stopped")
}
