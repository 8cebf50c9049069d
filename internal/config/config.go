package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

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

	PricingTablePath string

	Quota    QuotaConfig
	Provider ProviderConfig
	Dedup    DedupConfig
}

// QuotaConfig controls the usage meter counters.
type QuotaConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DailyLimit   int64
	MonthlyLimit int64
}

// ProviderConfig describes the external subscription-billing provider.
type ProviderConfig struct {
	Name           string
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	SignatureSkewS int
}

// DedupConfig controls processed-event retention.
type DedupConfig struct {
	RetentionDays  int
	PurgeIntervalM int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "relaybill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "relaybill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		PricingTablePath: getenv("PRICING_TABLE_PATH", "pricing.yaml"),

		Quota: QuotaConfig{
			RedisAddr:     strings.TrimSpace(getenv("QUOTA_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("QUOTA_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("QUOTA_REDIS_DB", 0),
			DailyLimit:    getenvInt64("QUOTA_DAILY_LIMIT", 10000),
			MonthlyLimit:  getenvInt64("QUOTA_MONTHLY_LIMIT", 200000),
		},
		Provider: ProviderConfig{
			Name:           getenv("BILLING_PROVIDER_NAME", "substrate"),
			BaseURL:        strings.TrimSpace(getenv("BILLING_PROVIDER_BASE_URL", "")),
			APIKey:         strings.TrimSpace(getenv("BILLING_PROVIDER_API_KEY", "")),
			WebhookSecret:  strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
			SignatureSkewS: getenvInt("BILLING_WEBHOOK_SKEW_SECONDS", 300),
		},
		Dedup: DedupConfig{
			RetentionDays:  getenvInt("DEDUP_RETENTION_DAYS", 14),
			PurgeIntervalM: getenvInt("DEDUP_PURGE_INTERVAL_MINUTES", 60),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
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
