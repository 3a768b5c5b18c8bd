// Command server runs the fax gateway: a single-process HTTP API that
// accepts documents, dispatches them through the configured delivery backend,
// ingests provider webhooks, serves received faxes, and reclaims expired
// artifacts on a retention schedule.
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/backend"
	"github.com/openfax/faxgw/internal/config"
	httpapi "github.com/openfax/faxgw/internal/http"
	"github.com/openfax/faxgw/internal/observability"
	"github.com/openfax/faxgw/internal/render"
	"github.com/openfax/faxgw/internal/repo"
	"github.com/openfax/faxgw/internal/services"
	"github.com/openfax/faxgw/internal/storage"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfgSnap := config.MustLoad()
	cfg := config.NewProvider(cfgSnap)

	setupLogging(cfgSnap)
	gin.SetMode(cfgSnap.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfgSnap.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	db, err := repo.OpenSQLite(cfgSnap.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgSnap.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	store, err := storage.NewLocalStore(cfgSnap.FaxDataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfgSnap.FaxDataDir).Msg("artifact store setup failed")
	}

	trail := audit.NewTrail(256, log.Logger)
	tokens := services.NewTokenService()
	keys := services.NewAPIKeyService(db, trail)

	be := backend.ForConfig(&cfgSnap, nil)

	faxSvc := &services.FaxService{
		DB:       db,
		Cfg:      cfg,
		Backend:  be,
		Renderer: &render.Local{DataDir: cfgSnap.FaxDataDir},
		Store:    store,
		Tokens:   tokens,
		Trail:    trail,
	}
	inboundSvc := services.NewInboundService(db, cfg, store, tokens, trail)
	hookSvc := services.NewWebhookService(db, cfg, store, tokens, trail)

	// The telephony backend pushes results over its event stream instead of
	// webhooks; fold them into the job store the same way.
	if sip, ok := be.(*backend.SIP); ok {
		sip.OnFaxResult(faxSvc.HandleSIPResult)
		go sip.Start(ctx)
	}

	sweeper := services.NewSweeper(db, cfg, store, trail)
	go sweeper.Run(ctx)

	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Services{
		Fax:     faxSvc,
		Inbound: inboundSvc,
		Hooks:   hookSvc,
		Keys:    keys,
		Trail:   trail,
	})

	srv := &http.Server{
		Addr:              ":" + cfgSnap.Port,
		Handler:           r,
		ReadTimeout:       cfgSnap.ReadTimeout,
		ReadHeaderTimeout: cfgSnap.ReadHeaderTimeout,
		WriteTimeout:      cfgSnap.WriteTimeout,
		IdleTimeout:       cfgSnap.IdleTimeout,
		MaxHeaderBytes:    cfgSnap.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("backend", cfgSnap.Backend).
			Str("version", version).
			Msg("fax gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
