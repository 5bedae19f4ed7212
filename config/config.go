package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Observ  ObservabilityConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type StoreConfig struct {
	Path string
}

type RemoteConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

type SyncConfig struct {
	BatchSize        int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	AttemptTimeout   time.Duration
	InFlightLiveness time.Duration
	DoneGrace        time.Duration
	ProbeInterval    time.Duration
	ProbeStableCount int
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Store: StoreConfig{
			Path: getEnv("STORE_PATH", "pos.db"),
		},
		Remote: RemoteConfig{
			BaseURL:        getEnv("REMOTE_BASE_URL", "http://localhost:9000"),
			APIKey:         getEnv("REMOTE_API_KEY", ""),
			RequestTimeout: getDuration("REMOTE_REQUEST_TIMEOUT", 10*time.Second),
		},
		Sync: SyncConfig{
			BatchSize:        getInt("SYNC_BATCH_SIZE", 50),
			BackoffBase:      getDuration("SYNC_BACKOFF_BASE", 2*time.Second),
			BackoffMax:       getDuration("SYNC_BACKOFF_MAX", 5*time.Minute),
			AttemptTimeout:   getDuration("SYNC_ATTEMPT_TIMEOUT", 15*time.Second),
			InFlightLiveness: getDuration("SYNC_INFLIGHT_LIVENESS", 2*time.Minute),
			DoneGrace:        getDuration("SYNC_DONE_GRACE", 24*time.Hour),
			ProbeInterval:    getDuration("CONNECTIVITY_PROBE_INTERVAL", 5*time.Second),
			ProbeStableCount: getInt("CONNECTIVITY_STABLE_COUNT", 2),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
	}

	log.Printf("Config loaded: env=%s, port=%s, store=%s", cfg.Server.Env, cfg.Server.Port, cfg.Store.Path)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
