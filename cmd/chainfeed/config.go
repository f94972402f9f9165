package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	memcache "github.com/goware/cachestore-mem"
	rediscache "github.com/goware/cachestore-redis"

	"github.com/meridianfi/chainfeed/blocktrack"
	"github.com/meridianfi/chainfeed/eventbus"
	"github.com/meridianfi/chainfeed/util"
	"github.com/meridianfi/chainfeed/worker"
)

type config struct {
	LogLevel string

	Rabbit eventbus.Config

	Tuning              worker.Tuning
	BalancePollInterval time.Duration

	RedisEnabled bool
	RedisHost    string
	RedisPort    int

	CoinGeckoURL string
	CoinGeckoKey string

	ShutdownTimeout time.Duration
}

func configFromEnv(getenv util.Getenv) config {
	defaults := worker.DefaultTuning()
	return config{
		LogLevel: util.EnvString(getenv, "LOG_LEVEL", "info"),

		Rabbit: eventbus.Config{
			Host:  util.EnvString(getenv, "RABBITMQ_HOST", "localhost"),
			Port:  util.EnvString(getenv, "RABBITMQ_PORT", "5672"),
			User:  util.EnvString(getenv, "RABBITMQ_USER", "guest"),
			Pass:  util.EnvString(getenv, "RABBITMQ_PASS", "guest"),
			VHost: util.EnvString(getenv, "RABBITMQ_VHOST", ""),
		},

		Tuning: worker.Tuning{
			MaxPerBatch:       util.EnvInt(getenv, "MAX_POOLS_PER_CONNECTION", defaults.MaxPerBatch),
			CatchUpEnabled:    util.EnvBool(getenv, "CATCHUP_ENABLED", defaults.CatchUpEnabled),
			CatchUpWindowSize: uint64(util.EnvInt(getenv, "CATCHUP_BATCH_SIZE_BLOCKS", int(defaults.CatchUpWindowSize))),
			HeartbeatInterval: util.EnvDurationMs(getenv, "CATCHUP_HEARTBEAT_INTERVAL_MS", defaults.HeartbeatInterval),
			CleanupInterval:   util.EnvDurationMs(getenv, "CLEANUP_INTERVAL_MS", defaults.CleanupInterval),
			PollInterval:      util.EnvDurationMs(getenv, "POLL_INTERVAL_MS", defaults.PollInterval),
			StaleThreshold:    util.EnvDurationMs(getenv, "STALE_THRESHOLD_MS", defaults.StaleThreshold),
			PruneThreshold:    util.EnvDurationMs(getenv, "PRUNE_THRESHOLD_MS", defaults.PruneThreshold),
		},
		BalancePollInterval: util.EnvDurationMs(getenv, "BALANCE_POLL_INTERVAL_MS", 5*time.Minute),

		RedisEnabled: util.EnvBool(getenv, "REDIS_ENABLED", false),
		RedisHost:    util.EnvString(getenv, "REDIS_HOST", "localhost"),
		RedisPort:    util.EnvInt(getenv, "REDIS_PORT", 6379),

		CoinGeckoURL: util.EnvString(getenv, "COINGECKO_API_URL", ""),
		CoinGeckoKey: util.EnvString(getenv, "COINGECKO_API_KEY", ""),

		ShutdownTimeout: util.EnvDurationMs(getenv, "SHUTDOWN_TIMEOUT_MS", 30*time.Second),
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// cacheBackend picks redis when enabled, in-process memory otherwise.
func cacheBackend(cfg config) (blocktrack.Backend, error) {
	if cfg.RedisEnabled {
		return rediscache.NewBackend(&rediscache.Config{
			Enabled: true,
			Host:    cfg.RedisHost,
			Port:    uint16(cfg.RedisPort),
		})
	}
	return memcache.NewBackend(512)
}

// watchSignals cancels on the first SIGINT/SIGTERM; later signals are
// logged and ignored so a slow drain cannot be cut short accidentally.
func watchSignals(cancel func(), log *slog.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	sig := <-ch
	log.Info(fmt.Sprintf("chainfeed: received %s, shutting down", sig))
	cancel()

	for sig := range ch {
		log.Warn(fmt.Sprintf("chainfeed: received %s, shutdown already in progress", sig))
	}
}
