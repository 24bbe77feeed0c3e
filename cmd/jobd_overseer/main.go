package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/db"
	"github.com/hubward/jobd/internal/db/repository"
	"github.com/hubward/jobd/internal/dispatch"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/overseer"
	"github.com/hubward/jobd/internal/queue/jetstream"
	"github.com/hubward/jobd/internal/service/logger"
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
	defer database.Close()

	natsCfg, err := config.GetNatsConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	broker, err := jetstream.NewJetStreamClient(natsCfg)
	if err != nil {
		log.Fatalf("broker initialization error: %v", err)
	}
	defer broker.Shutdown()

	jobs := repository.NewJobRepository(database)
	queues := repository.NewQueueRepository(database)
	workers := repository.NewWorkerRepository(database)

	dispatcher := dispatch.NewDispatcher(jobs, queues, broker, cfg.DEFAULT_ACCOUNT)
	ov := overseer.NewOverseer(
		dispatcher,
		workers,
		queues,
		dispatch.NewResolver(queues),
		broker,
		cfg.DEFAULT_ACCOUNT,
	)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		logger.Log.Info().Msg("trying to shutdown overseer gracefully...")
		cancel()
	}()

	logger.Log.Info().Msg("overseer started")
	if err := ov.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("overseer error: %v", err)
	}
	<-ctx.Done()
	logger.Log.Info().Msg("overseer shutdown gracefully.")
}
