// Package publisher parses publisher command flags and launches the outbox
// publisher runtime.
package publisher

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	entrypoint "github.com/louisbranch/proxyfeed/internal/platform/cmd"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/platform/rpc"
	"github.com/louisbranch/proxyfeed/internal/publish"
	"github.com/louisbranch/proxyfeed/internal/service/aggregator"
	"github.com/louisbranch/proxyfeed/internal/storage/sqlite"
)

// Config holds publisher command configuration.
type Config struct {
	DBPath        string        `env:"PROXYFEED_PUBLISHER_DB_PATH" envDefault:"data/source.db"`
	AggregatorURL string        `env:"PROXYFEED_PUBLISHER_AGGREGATOR_URL" envDefault:"http://localhost:8080/rpc"`
	AuthSecret    string        `env:"PROXYFEED_AUTH_SECRET,required"`
	TokenTTL      time.Duration `env:"PROXYFEED_PUBLISHER_TOKEN_TTL" envDefault:"24h"`
	PollInterval  time.Duration `env:"PROXYFEED_PUBLISHER_POLL_INTERVAL" envDefault:"2s"`
	BatchSize     int           `env:"PROXYFEED_PUBLISHER_BATCH_SIZE" envDefault:"100"`
	LogLevel      string        `env:"PROXYFEED_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The source SQLite database path")
	fs.StringVar(&cfg.AggregatorURL, "aggregator-url", cfg.AggregatorURL, "The aggregator RPC endpoint")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Events delivered per drain pass")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log verbosity")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the publisher runtime.
func Run(ctx context.Context, cfg Config) error {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	sink := errors.RemoteLoggerFunc(func(_ context.Context, component string, err error) {
		log.WithField("component", component).WithError(err).Error("fatal error")
	})
	options := entrypoint.RunOptions{RemoteLogger: sink}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServicePublisher, options, func(ctx context.Context) error {
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		token, err := aggregator.MintToken([]byte(cfg.AuthSecret),
			aggregator.Claims{Role: "service"}, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("mint service token: %w", err)
		}
		client := rpc.NewClient(cfg.AggregatorURL, entrypoint.ServicePublisher,
			rpc.WithAuthToken(token))

		publisher := publish.New(store, client, log,
			publish.WithInterval(cfg.PollInterval),
			publish.WithBatchSize(cfg.BatchSize),
			publish.WithRemoteLogger(sink))
		return publisher.Run(ctx)
	})
}
