package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/db"
	"github.com/hubward/jobd/internal/db/repository"
	"github.com/hubward/jobd/internal/dispatch"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/queue/jetstream"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/internal/web"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer()
	}

	pgCfg, err := config.GetPostgresConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	database, err := db.New(pgCfg)
	if err != nil {
		log.Fatalf("database initialization error: %v", err)
	}

	natsCfg, err := config.GetNatsConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	broker, err := jetstream.NewJetStreamClient(natsCfg)
	if err != nil {
		log.Fatalf("broker initialization error: %v", err)
	}

	jobs := repository.NewJobRepository(database)
	queues := repository.NewQueueRepository(database)
	dispatcher := dispatch.NewDispatcher(jobs, queues, broker, cfg.DEFAULT_ACCOUNT)

	server := web.NewServer(dispatcher, jobs, nil)

	srv := &http.Server{
		Addr:              cfg.HTTP_ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP_ADDR).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	broker.Shutdown()
	database.Close()
	logger.Log.Info().Msg("server shutdown gracefully.")
}
