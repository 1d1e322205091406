package main

import (
	"context"
	"fmt"
	"os"

	"traffic-console/internal/calibration"
	"traffic-console/internal/client"
	"traffic-console/internal/config"
	"traffic-console/internal/db"
	httphandler "traffic-console/internal/http"
	"traffic-console/internal/http/middleware"
	"traffic-console/internal/logger"
	"traffic-console/internal/repository"
	"traffic-console/internal/service"
	"traffic-console/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	eventRepo := repository.NewEventRepository(database)
	eventService := service.NewEventService(eventRepo, appLogger)

	backend := client.NewAnalyticsClient(cfg)

	store := calibration.NewStore(backend, appLogger)
	// Dimensions are zero here, so the store starts out in normalized
	// space; the dashboard reports its rendered frame size through
	// POST /api/calibration/viewport to switch to pixel coordinates.
	store.Load(context.Background(), 0, 0)

	negotiator := session.NewNegotiator(
		session.NewPionFactory(cfg.WebRTC),
		backend,
		cfg.WebRTC,
		appLogger,
	)

	hub := httphandler.NewEventHub(appLogger)
	eventService.SetBroadcast(hub.Broadcast)

	handler := httphandler.NewHandler(eventService, store, negotiator, backend, hub, appLogger)
	ingestToken := middleware.InternalToken(cfg.Ingest.Token)
	router := httphandler.NewRouter(handler, ingestToken, cfg.Environment)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Msg("starting traffic console")

	if err := router.Run(addr); err != nil {
		appLogger.Error().Err(err).Msg("failed to start server")
		os.Exit(1)
	}
}
