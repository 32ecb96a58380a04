// Package aggregator parses aggregator command flags and launches the
// aggregator service runtime.
package aggregator

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	entrypoint "github.com/louisbranch/proxyfeed/internal/platform/cmd"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/proxy/cache"
	"github.com/louisbranch/proxyfeed/internal/service/aggregator"
	"github.com/louisbranch/proxyfeed/internal/storage/sqlite"
)

// Config holds aggregator command configuration.
type Config struct {
	Port       int           `env:"PROXYFEED_AGGREGATOR_PORT" envDefault:"8080"`
	DBPath     string        `env:"PROXYFEED_AGGREGATOR_DB_PATH" envDefault:"data/aggregator.db"`
	AuthSecret string        `env:"PROXYFEED_AUTH_SECRET,required"`
	RedisAddr  string        `env:"PROXYFEED_AGGREGATOR_REDIS_ADDR"`
	CacheTTL   time.Duration `env:"PROXYFEED_AGGREGATOR_CACHE_TTL" envDefault:"5m"`
	LogLevel   string        `env:"PROXYFEED_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The aggregator HTTP port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The aggregator SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the proxy read cache (empty disables caching)")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Proxy read cache entry lifetime")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log verbosity")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the aggregator runtime.
func Run(ctx context.Context, cfg Config) error {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	options := entrypoint.RunOptions{
		RemoteLogger: errors.RemoteLoggerFunc(func(_ context.Context, component string, err error) {
			log.WithField("component", component).WithError(err).Error("fatal error")
		}),
	}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceAggregator, options, func(ctx context.Context) error {
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		var redisClient *redis.Client
		if cfg.RedisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer redisClient.Close()
		}

		service := aggregator.New(aggregator.Stores{
			Domains:     store,
			Proxies:     cache.New(store, redisClient, cfg.CacheTTL),
			Named:       store,
			Checkpoints: store,
		}, []byte(cfg.AuthSecret), log, nil)

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		service.Routes(e)

		errc := make(chan error, 1)
		go func() {
			errc <- e.Start(fmt.Sprintf(":%d", cfg.Port))
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}
