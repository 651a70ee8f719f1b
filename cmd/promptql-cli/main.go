package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hasura/promptql-chat-sdk/config"
	"github.com/hasura/promptql-chat-sdk/internal/tui"
)

func main() {
	fs := flag.NewFlagSet("promptql-cli", flag.ContinueOnError)
	baseURL := fs.String("base-url", "", "playground base url (overrides "+config.EnvBaseURL+")")
	scope := fs.String("scope", "", "thread identity scope (overrides "+config.EnvScope+")")
	logFile := fs.String("log-file", "", "append diagnostic logs to this file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if v := strings.TrimSpace(*baseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(*scope); v != "" {
		cfg.Scope = v
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, closeLog, err := buildLogger(strings.TrimSpace(*logFile))
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tui.Run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatalf("promptql-cli failed: %v", err)
	}
}

// buildLogger writes to the given file, or discards: the TUI owns the
// terminal, so logs can never go to stderr while it runs.
func buildLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(io.Discard, "", 0), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return log.New(f, "promptql-cli ", log.LstdFlags|log.LUTC), func() { _ = f.Close() }, nil
}
