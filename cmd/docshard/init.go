package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"docshard/internal/config"
)

// initLogger sets the global slog.Logger: JSON for collectors, tinted text
// for terminals.
func initLogger(cfg *config.Config) {
	var handler slog.Handler
	switch {
	case cfg.Logger.JSON:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logger.SlogLevel()})
	case isatty.IsTerminal(os.Stdout.Fd()):
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.Logger.SlogLevel(),
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logger.SlogLevel()})
	}
	slog.SetDefault(slog.New(handler))
}
