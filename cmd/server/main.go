package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"whatsapp-crm/internal/automation"
	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/database"
	"whatsapp-crm/internal/dispatch"
	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/logger"
	"whatsapp-crm/internal/observability"
	"whatsapp-crm/internal/webhook"
	"whatsapp-crm/internal/whatsapp"
	"whatsapp-crm/internal/ws"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.LoadConfig()
	lg := logger.Setup(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := database.Open(cfg, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	store := flows.NewStore(db, cfg.FlowCacheTTL, lg)
	if err := store.Seed(ctx); err != nil {
		log.Fatal().Err(err).Msg("flow seed failed")
	}

	hub := ws.NewHub(cfg.CORSAllowedOrigins, lg)
	go hub.Run(ctx)

	gateway := whatsapp.NewClient(cfg, lg)
	engine := automation.NewEngine(db, store, gateway, cfg.Bot, hub, lg)
	ingestor := webhook.NewIngestor(db, engine, cfg.Bot.PhoneNumberID, cfg.Bot.Timeout, hub, lg)

	dispatcher := dispatch.New(db, gateway, cfg.Dispatch, hub, lg)
	dispatcher.Start(ctx)

	r := newRouter(cfg, routerDeps{
		db:        db,
		flowCache: store,
		hub:       hub,
		webhook:   webhook.NewHandler(cfg.VerifyToken, ingestor),
		campaigns: dispatcher,
		sender:    engine,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	dispatcher.Stop()
	ingestor.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}
