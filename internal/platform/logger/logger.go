package logger

import (
	"hearth/internal/config"
	"hearth/pkg/logging"
	"log/slog"
	"os"
)

func NewLogger(cfg config.Config) *slog.Logger {
	handler := logging.NewHandler(os.Stdout, cfg.Logger.Level, cfg.Logger.Format)
	logger := slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("env", cfg.Service.Env),
		slog.String("address", cfg.Service.Addr),
		slog.Int("pid", os.Getpid()),
	)
	slog.SetDefault(logger)
	return logger
}
