package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hubward/jobd/internal/cache/freecache"
	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/internal/job_tracer"
	"github.com/hubward/jobd/internal/queue/jetstream"
	"github.com/hubward/jobd/internal/service/logger"
	"github.com/hubward/jobd/internal/storage"
	"github.com/hubward/jobd/internal/storage/minio"
	"github.com/hubward/jobd/internal/worker"
	"github.com/hubward/jobd/internal/worker/jobs"
	"github.com/hubward/jobd/internal/worker/session"
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

	workerCfg, err := config.GetWorkerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	natsCfg, err := config.GetNatsConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	broker, err := jetstream.NewJetStreamClient(natsCfg)
	if err != nil {
		log.Fatalf("broker initialization error: %v", err)
	}
	defer broker.Shutdown()

	// The object store is optional: without it archive jobs keep their
	// snapshots local and upload/push sources are rejected.
	var store storage.Storage
	if minioCfg, err := config.GetMinioConfig(); err == nil {
		store, err = minio.NewMinioClient(minioCfg)
		if err != nil {
			log.Fatalf("storage initialization error: %v", err)
		}
		defer store.Close()
	} else {
		logger.Log.Warn().Err(err).Msg("object store not configured")
	}

	sessionCfg, err := config.GetSessionConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	dockerLauncher, err := session.NewDockerLauncher(sessionCfg)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("docker unavailable, untrusted sessions disabled")
	}
	var untrusted session.Launcher
	if dockerLauncher != nil {
		untrusted = dockerLauncher
	}
	sessions := session.NewManager(sessionCfg, session.NewSubprocessLauncher(sessionCfg), untrusted)

	rt := jobs.Runtime{
		WorkDir:      workerCfg.WORK_DIR,
		SnapshotDir:  workerCfg.SNAPSHOT_DIR,
		Store:        store,
		Cache:        freecache.NewFreeCache(workerCfg.CACHE_SIZE, workerCfg.CACHE_TTL),
		Sessions:     sessions,
		ConverterBin: workerCfg.CONVERTER_BIN,
	}

	w := worker.New(workerCfg, broker, rt)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		logger.Log.Info().Msg("trying to shutdown worker gracefully...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
	logger.Log.Info().Msg("worker shutdown gracefully.")
}
