package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Metrics backend (Prometheus) the CPU-seconds queries go to.
	PrometheusURL     string
	PrometheusTimeout time.Duration

	// Grid carbon-intensity service.
	CarbonIntensityBaseURL   string
	CarbonIntensityTimeout   time.Duration
	CarbonIntensityRetries   int
	CarbonIntensityCacheTTL  time.Duration
	FallbackIntensityGPerKWh float64

	// Power model constants, per core.
	BusyPowerWatts float64
	IdlePowerWatts float64

	// Tracking cadence.
	TrackInterval    time.Duration
	TrackGranularity time.Duration
	TrackJobTimeout  time.Duration
	TrackWorkers     int
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "carbonledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "carbonledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 3600)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 600)),

		PrometheusURL:     getenv("PROMETHEUS_URL", "http://localhost:9090"),
		PrometheusTimeout: getenvDuration("PROMETHEUS_TIMEOUT", 30*time.Second),

		CarbonIntensityBaseURL:   getenv("CARBON_INTENSITY_BASE_URL", "https://api.carbonintensity.org.uk"),
		CarbonIntensityTimeout:   getenvDuration("CARBON_INTENSITY_TIMEOUT", 10*time.Second),
		CarbonIntensityRetries:   int(getenvInt64("CARBON_INTENSITY_RETRIES", 3)),
		CarbonIntensityCacheTTL:  getenvDuration("CARBON_INTENSITY_CACHE_TTL", 15*time.Minute),
		FallbackIntensityGPerKWh: getenvFloat("FALLBACK_INTENSITY_G_PER_KWH", 200),

		BusyPowerWatts: getenvFloat("BUSY_POWER_WATTS", 12),
		IdlePowerWatts: getenvFloat("IDLE_POWER_WATTS", 1),

		TrackInterval:    getenvDuration("TRACK_INTERVAL", time.Hour),
		TrackGranularity: getenvDuration("TRACK_GRANULARITY", time.Hour),
		TrackJobTimeout:  getenvDuration("TRACK_JOB_TIMEOUT", 10*time.Minute),
		TrackWorkers:     int(getenvInt64("TRACK_WORKERS", 8)),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
