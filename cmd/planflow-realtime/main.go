package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/BekaChkhiro/Planflow-sub003/internal/gate"
	"github.com/BekaChkhiro/Planflow-sub003/internal/server"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/config"
	"github.com/BekaChkhiro/Planflow-sub003/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "text")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	authenticator := gate.NewJWTAuthenticator(cfg.Server.Auth.JWTSecret)
	store := gate.NewStaticAccessStore(cfg.Access)
	admissionGate := gate.New(logger, authenticator, store)

	app := server.NewApp(logger, ctx, cfg, admissionGate)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
