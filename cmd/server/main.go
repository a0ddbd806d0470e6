package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-media-sync/pkg/mediasync/api"
	"github.com/tendant/simple-media-sync/pkg/mediasync/config"
	"github.com/tendant/simple-media-sync/pkg/mediasync/logging"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rt, err := cfg.Build(context.Background(), logger)
	if err != nil {
		logger.Fatal("Failed to build service", zap.Error(err))
	}

	logger.Info("media sync server starting",
		zap.String("environment", cfg.Environment),
		zap.String("database", cfg.DatabaseType),
		zap.String("storage", cfg.DefaultStorageBackend),
		zap.String("scheduler", cfg.Scheduler),
		zap.Int("shops", len(cfg.Shops)),
	)

	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	handler := api.NewHandler(rt.Service, logger)
	server.R.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	server.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
