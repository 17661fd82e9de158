package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"liuproxy_pool/internal/service/web"
	"liuproxy_pool/internal/shared/config"
	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/internal/shared/types"
	manager "liuproxy_pool/pool"
	"liuproxy_pool/pool/health"
	"liuproxy_pool/pool/source"
	"liuproxy_pool/pool/storage"
	"liuproxy_pool/pool/store"
	"liuproxy_pool/pool/validator"
)

func main() {
	configPath := flag.String("config", "configs/pool.ini", "Path to config file")
	flag.Parse()

	// Load behavior configuration before anything else.
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, *configPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	fileStorage, err := storage.NewFileStorage(cfg.PoolConf.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage.")
	}
	marker := storage.NewLivenessMarker(cfg.PoolConf.DataDir)

	sources := source.DefaultSources()
	sources = append(sources, source.ExtraTextSources(cfg.PoolConf.ExtraSources)...)
	fetcher := source.NewFetcher(sources, 0)

	tracker := health.New(cfg.PoolConf.DegradeThreshold, cfg.PoolConf.DeadThreshold)
	poolStore := store.New(tracker)
	v := validator.New(
		time.Duration(cfg.ProbeConf.TimeoutSeconds)*time.Second,
		cfg.ProbeConf.Concurrency,
		cfg.ProbeConf.Target,
	)

	m := manager.New(cfg, poolStore, fetcher, v, fileStorage, marker)
	if err := m.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pool manager.")
	}

	var wg sync.WaitGroup
	web.StartServer(&wg, cfg, m)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")

	m.Stop()
}
