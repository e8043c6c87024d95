package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/betpool/wager-engine/internal/config"
	"github.com/betpool/wager-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	command := flag.String("command", "up", "goose command: up, down, status, redo")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	if err := store.RunMigrations(context.Background(), cfg.DatabaseURL, *command); err != nil {
		slog.Error("migration failed", "command", *command, "err", err)
		os.Exit(1)
	}
	slog.Info("migrations applied", "command", *command)
}
