package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulseboard/socket/config"
	"github.com/pulseboard/socket/server"
	"github.com/pulseboard/socket/src/bridge"
	"github.com/pulseboard/socket/src/cache"
	"github.com/pulseboard/socket/src/hub"
	"github.com/pulseboard/socket/src/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.FromEnv()
	redisCfg := bridge.RedisConfigFromEnv()

	dedup := hub.NewDeduplicator(cfg.DedupWindow, cfg.RelaxedDedupWindow)
	manager := hub.NewManager(dedup, logger)

	// The bridge is optional: without Redis the instance runs standalone
	// and events publish straight to local connections.
	var br bridge.Bridge
	var metricsSource service.MetricsSource
	rb := bridge.NewRedisBridgeWithLogger(redisCfg, logger)
	if err := rb.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, running standalone")
	} else {
		br = rb
		metricsSource = cache.NewRedisMetricsCache(redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		}), redisCfg.Prefix)
		logger.Info().Str("redis_addr", redisCfg.Addr).Msg("redis bridge connected")
	}

	svc := service.New(manager, br, metricsSource, logger)

	prober := hub.NewProber(manager, cfg.PingInterval, logger)
	prober.Start()

	srv := server.New(cfg, svc, server.StaticTokensFromEnv(), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	prober.Stop()
	manager.CloseAll()
	if br != nil {
		if err := br.Close(); err != nil {
			logger.Error().Err(err).Msg("bridge close error")
		}
	}
}
