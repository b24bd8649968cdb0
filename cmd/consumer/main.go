package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/taxigrid/internal/config"
	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/logging"
)

// The consumer projects ride lifecycle events into Redis hashes so ops
// tooling can read a ride's latest status and per-driver trip counts
// without touching the ride store.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxigrid_consumer_events_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxigrid_consumer_events_invalid_total",
		Help: "Total ride events that could not be decoded",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxigrid_consumer_redis_updates_total",
		Help: "Total successful projection updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taxigrid_consumer_redis_errors_total",
		Help: "Total projection updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadServerConfig()
	metricsAddr := pflag.String("metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	pflag.Parse()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	projection := &redisAdapter{c: rc}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)
		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			m, err := r.ReadMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					logger.Info("shutting down consumer")
					return nil
				}
				logger.Warn("kafka read error", "error", err, "backoff", backoff)
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			msgsConsumed.Inc()

			e, err := events.Decode(m.Value)
			if err != nil {
				msgsInvalid.Inc()
				logger.Warn("invalid event", "offset", m.Offset, "error", err)
				continue
			}
			if err := projectWithRetry(gctx, projection, e, 3, 200*time.Millisecond); err != nil {
				redisErrors.Inc()
				logger.Error("projection failed", "ride_id", e.RideID, "type", e.Type, "error", err)
				continue
			}
			redisUpdates.Inc()
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

// Projector is the small subset of redis operations the projection needs.
type Projector interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HIncrBy(ctx context.Context, key, field string, incr int64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return r.c.HIncrBy(ctx, key, field, incr).Err()
}

// projectWithRetry writes the ride's latest state and, on completion,
// bumps the driver's trip count. Each step retries with doubling delay.
func projectWithRetry(ctx context.Context, p Projector, e events.Event, attempts int, delay time.Duration) error {
	fields := map[string]interface{}{
		"status":     string(e.Status),
		"passenger":  e.PassengerID,
		"driver":     e.DriverID,
		"last_event": e.Type,
		"updated_at": e.At.Format(time.RFC3339),
	}
	if err := retry(ctx, attempts, delay, func() error { return p.HSet(ctx, "ride:"+e.RideID, fields) }); err != nil {
		return err
	}
	if e.Type == events.RideCompleted && e.DriverID != "" {
		return retry(ctx, attempts, delay, func() error {
			return p.HIncrBy(ctx, "driver_stats:"+e.DriverID, "completed", 1)
		})
	}
	return nil
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
