// The gateway binary runs the stagecast event pipeline: the per-shard
// router, the broadcast manager, and the HTTP streaming/status API, in one
// process. A single gateway instance is the sole consumer of every shard;
// scaling out requires external shard-ownership coordination.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stagecast/stagecast/internal/broadcast"
	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/gateway"
	"github.com/stagecast/stagecast/internal/logger"
	"github.com/stagecast/stagecast/internal/metrics"
	"github.com/stagecast/stagecast/internal/router"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(os.Getenv("STAGECAST_LOG_MODE"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	// Configuration: file if given, defaults otherwise. REDIS_URL always
	// overrides the file.
	cfg := config.Default()
	if path := os.Getenv("STAGECAST_CONFIG"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}

	stages, err := cfg.StageSet()
	if err != nil {
		return err
	}

	client, err := stagelog.NewClient(redisOpts, cfg.Namespace, stages, cfg.Settings())
	if err != nil {
		return fmt.Errorf("failed to create stage log client: %w", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible: %w", err)
	}

	log.Info("gateway starting",
		"namespace", cfg.Namespace,
		"shards", cfg.Log.Shards,
		"addr", cfg.Gateway.Addr)

	collector := metrics.NewCollector()
	manager := broadcast.NewManager(client, log, collector, cfg.Gateway.QueueCapacity)
	shardRouter := router.New(client, log, collector, cfg.Router)
	server := gateway.New(client, manager, log, collector, cfg.Gateway)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- shardRouter.Run(runCtx) }()
	go func() { errCh <- manager.Start(runCtx) }()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	consumersDone := 0
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		consumersDone++
		if err != nil {
			log.Error("background consumer failed", "error", err)
		}
	}

	// Stop accepting HTTP work first, then wind down the consumers and
	// drop subscriber queues. Clients reconnect and recover via the
	// snapshot path.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}

	cancel()
	for consumersDone < 2 {
		<-errCh
		consumersDone++
	}
	manager.Shutdown()

	log.Info("gateway stopped")
	return nil
}
