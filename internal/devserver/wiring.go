package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/taxigrid/internal/config"
	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/fleet"
	"github.com/example/taxigrid/internal/pricing"
	"github.com/example/taxigrid/internal/storage"
)

// presenceStaleAfter drops drivers after five missed 3s heartbeats.
const presenceStaleAfter = 15 * time.Second

// NewFromConfig picks Postgres, Redis and Kafka when configured and falls
// back to in-memory collaborators otherwise.
func NewFromConfig(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	opts := Options{
		Auth:         NewAuth(cfg.JWTSecret, cfg.TokenTTL),
		Tariff:       pricing.Tariff{BaseFare: cfg.BaseFare, PricePerCell: cfg.PricePerCell, SecondsPerCell: cfg.SecondsPerCell},
		SearchRadius: cfg.SearchRadius,
		Logger:       logger,
	}

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migration applied", "table", "rides")
		}
		opts.Rides = ps
		logger.Info("ride store", "backend", "postgres")
	}

	if cfg.RedisAddr != "" {
		rf := fleet.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, presenceStaleAfter, cfg.DriverLockTTL)
		if err := rf.Ping(ctx); err != nil {
			closeAll(opts.Rides)
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts.Fleet = rf
		logger.Info("presence index", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		opts.Fleet = fleet.NewMemoryIndex(presenceStaleAfter, cfg.DriverLockTTL)
	}

	if len(cfg.KafkaBrokers) > 0 {
		opts.Events = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("ride events", "backend", "kafka", "topic", cfg.KafkaTopic)
	}

	return New(opts), nil
}

func closeAll(cs ...interface{ Close() error }) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
