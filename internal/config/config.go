// Package config loads application configuration from environment variables
// (optionally via a .env file), applying the defaults from spec §6.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Thresholds holds the base trigger thresholds before regime/profile
// multipliers are applied (spec §4.6, §4.8).
type Thresholds struct {
	PriceChangePct   float64
	VelocityPctPerS  float64
	SpreadWidening   float64
	VolumeSurgeRatio float64
}

// TierIntervals holds the per-tier scan cadence (spec §4.7).
type TierIntervals struct {
	Tier1 time.Duration
	Tier2 time.Duration
	Tier3 time.Duration
}

// TierTimeouts holds the per-tier idle-demotion timeout (spec §4.7).
type TierTimeouts struct {
	Tier2 time.Duration
	Tier3 time.Duration
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	SymbolMapPath string
	LogLevel      string
	Port          int
	DevMode       bool

	Thresholds    Thresholds
	TierIntervals TierIntervals
	TierTimeouts  TierTimeouts

	Cooldown           time.Duration
	SignalDedupWindow  time.Duration
	IndicatorCacheTTL  time.Duration
	IndicatorSoftCap   int
	PrecomputeCycle    time.Duration
	PrecomputeBatch    int
	PrecomputeYield    time.Duration
	HotCap             int
	AggregatorDedup    time.Duration
	MaxReconnectTries  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	DataDir string

	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	BackupInterval time.Duration
	BackupRetain   int
}

// Load reads a .env file if present, then overlays process environment
// variables, then applies spec defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SymbolMapPath: getEnv("SYMBOL_MAP_PATH", "configs/symbols.yaml"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Port:          getEnvInt("PORT", 8080),
		DevMode:       getEnvBool("DEV_MODE", false),

		Thresholds: Thresholds{
			PriceChangePct:   getEnvFloat("THRESH_PRICE_CHANGE_PCT", 0.10),
			VelocityPctPerS:  getEnvFloat("THRESH_VELOCITY_PCT_PER_S", 0.35),
			SpreadWidening:   getEnvFloat("THRESH_SPREAD_WIDENING_RATIO", 1.8),
			VolumeSurgeRatio: getEnvFloat("THRESH_VOLUME_SURGE_RATIO", 1.8),
		},
		TierIntervals: TierIntervals{
			Tier1: getEnvDuration("TIER1_INTERVAL_MS", 5000*time.Millisecond),
			Tier2: getEnvDuration("TIER2_INTERVAL_MS", 1000*time.Millisecond),
			Tier3: getEnvDuration("TIER3_INTERVAL_MS", 500*time.Millisecond),
		},
		TierTimeouts: TierTimeouts{
			Tier2: getEnvDuration("TIER2_TIMEOUT_MS", 30000*time.Millisecond),
			Tier3: getEnvDuration("TIER3_TIMEOUT_MS", 10000*time.Millisecond),
		},

		Cooldown:          getEnvDuration("COOLDOWN_MS", 30000*time.Millisecond),
		SignalDedupWindow: getEnvDuration("SIGNAL_DEDUP_WINDOW_MS", 7_200_000*time.Millisecond),
		IndicatorCacheTTL: getEnvDuration("INDICATOR_CACHE_TTL_MS", 5000*time.Millisecond),
		IndicatorSoftCap:  getEnvInt("INDICATOR_SOFT_CAP", 100),
		PrecomputeCycle:   getEnvDuration("PRECOMPUTE_CYCLE_MS", 30000*time.Millisecond),
		PrecomputeBatch:   getEnvInt("PRECOMPUTE_BATCH_SIZE", 5),
		PrecomputeYield:   getEnvDuration("PRECOMPUTE_YIELD_MS", 100*time.Millisecond),
		HotCap:            getEnvInt("HOT_CAP", 20),
		AggregatorDedup:   getEnvDuration("AGGREGATOR_DEDUP_MS", 1000*time.Millisecond),

		MaxReconnectTries:  getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
		ReconnectBaseDelay: getEnvDuration("RECONNECT_BASE_DELAY_MS", 3000*time.Millisecond),
		ReconnectMaxDelay:  getEnvDuration("RECONNECT_MAX_DELAY_MS", 30000*time.Millisecond),

		DataDir: getEnv("DATA_DIR", "./data"),

		S3Bucket:       getEnv("BACKUP_S3_BUCKET", ""),
		S3Region:       getEnv("BACKUP_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupInterval: getEnvDuration("BACKUP_INTERVAL_MS", 6*time.Hour),
		BackupRetain:   getEnvInt("BACKUP_RETAIN_DAYS", 7),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
