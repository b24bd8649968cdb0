package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ClientConfig holds what the taxigrid client needs to reach a backend.
// Values come from the environment (optionally seeded from a .env file)
// with defaults that match a local devserver.
type ClientConfig struct {
	APIBaseURL        string
	WSBaseURL         string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CredentialFile    string
	LogLevel          string
}

// ServerConfig captures all tunable parameters for the reference backend.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	DriverLockTTL  time.Duration
	SearchRadius   int
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	PGDSN          string
	RunMigrations  bool
	JWTSecret      string
	TokenTTL       time.Duration
	BaseFare       float64
	PricePerCell   float64
	SecondsPerCell float64

	MetricsAddr string
	LogLevel    string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIBaseURL:        "http://localhost:8080",
		RequestTimeout:    10 * time.Second,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		CredentialFile:    defaultCredentialFile(),
		LogLevel:          "info",
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		DriverLockTTL:   30 * time.Second,
		SearchRadius:    20,
		KafkaTopic:      "ride-events",
		KafkaGroup:      "taxigrid-ride-projection",
		JWTSecret:       "taxigrid-dev-secret",
		TokenTTL:        30 * time.Minute,
		BaseFare:        50,
		PricePerCell:    5,
		SecondsPerCell:  10,
		MetricsAddr:     ":2112",
		LogLevel:        "info",
	}
}

// LoadClientConfig reads TAXIGRID_* variables. A missing .env file is not
// an error.
func LoadClientConfig() (ClientConfig, error) {
	loadDotEnv()
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "TAXIGRID_API_URL")
	setStringFromEnv(&cfg.WSBaseURL, "TAXIGRID_WS_URL")
	setDurationFromEnv(&cfg.RequestTimeout, "TAXIGRID_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PollInterval, "TAXIGRID_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HeartbeatInterval, "TAXIGRID_HEARTBEAT_INTERVAL", &errs)
	setStringFromEnv(&cfg.CredentialFile, "TAXIGRID_CREDENTIALS")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = WebSocketURL(cfg.APIBaseURL)
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("TAXIGRID_API_URL must be an http(s) URL, got %q", cfg.APIBaseURL))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("TAXIGRID_POLL_INTERVAL must be > 0"))
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("TAXIGRID_HEARTBEAT_INTERVAL must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.DriverLockTTL, "DRIVER_LOCK_TTL", &errs)
	setIntFromEnv(&cfg.SearchRadius, "MATCHER_SEARCH_RADIUS", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "JWT_TTL", &errs)

	setFloatFromEnv(&cfg.BaseFare, "PRICE_BASE_FARE", &errs)
	setFloatFromEnv(&cfg.PricePerCell, "PRICE_PER_CELL", &errs)
	setFloatFromEnv(&cfg.SecondsPerCell, "PRICE_T_CELL", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SearchRadius <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_SEARCH_RADIUS must be > 0"))
	}
	if cfg.BaseFare < 0 || cfg.PricePerCell < 0 {
		errs = append(errs, fmt.Errorf("prices must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// WebSocketURL maps an http(s) base URL onto its ws(s) counterpart.
func WebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func loadDotEnv() {
	if path := os.Getenv("TAXIGRID_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load()
}

func defaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".taxigrid-credentials.json"
	}
	return dir + string(os.PathSeparator) + "taxigrid" + string(os.PathSeparator) + "credentials.json"
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
