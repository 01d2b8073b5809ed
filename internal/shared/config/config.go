package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tracker daemon
type Config struct {
	// Server configuration
	Port           string
	GinMode        string
	APIVersion     string
	APIPrefix      string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	AllowedOrigins []string

	// Upstream waitlist API
	Queue QueueConfig

	// Reconciliation and scheduling
	Tracker TrackerConfig

	// Status cache persistence
	Cache CacheConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Kafka configuration
	Kafka KafkaConfig

	// Local API rate limiting
	RateLimit RateLimitConfig

	// Logging
	LogLevel string
}

// QueueConfig configures the waitlist API client
type QueueConfig struct {
	BaseURL           string
	RequestTimeout    time.Duration
	UserAgent         string
	AccessToken       string
	RequestsPerSecond float64
	Burst             int
	MaxCooldown       time.Duration
}

// TrackerConfig configures the engine, poller and housekeeping
type TrackerConfig struct {
	Email              string
	PollInterval       time.Duration
	DebounceDelay      time.Duration
	StatusTTL          time.Duration
	BoostPerReferral   int
	ApprovalsPerWeek   int
	HousekeepingSpec   string
	HousekeepingBudget time.Duration
	LeaderboardLimit   int
}

// CacheConfig selects the status cache store
type CacheConfig struct {
	Store     string
	Namespace string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	DSN      string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Addr     string
}

// KafkaConfig holds broker and topic configuration. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers            []string
	GroupID            string
	AccountEventsTopic string
	NotificationsTopic string
}

// RateLimitConfig holds local API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		// Server configuration
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		APIVersion:     getEnv("API_VERSION", "v1"),
		APIPrefix:      getEnv("API_PREFIX", "/api"),
		ReadTimeout:    getDurationEnv("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:    getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: getIntEnv("MAX_HEADER_BYTES", 1<<20), // 1 MB
		AllowedOrigins: getStringSliceEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		Queue: QueueConfig{
			BaseURL:           getEnv("QUEUE_API_URL", "http://localhost:4000/api"),
			RequestTimeout:    getDurationEnv("QUEUE_REQUEST_TIMEOUT", 10*time.Second),
			UserAgent:         getEnv("QUEUE_USER_AGENT", "queuetrack/1.0"),
			AccessToken:       getEnv("QUEUE_ACCESS_TOKEN", ""),
			RequestsPerSecond: getFloatEnv("QUEUE_RATE_LIMIT_RPS", 5),
			Burst:             getIntEnv("QUEUE_RATE_LIMIT_BURST", 10),
			MaxCooldown:       getDurationEnv("QUEUE_MAX_COOLDOWN", 10*time.Minute),
		},

		Tracker: TrackerConfig{
			Email:              getEnv("TRACKER_EMAIL", ""),
			PollInterval:       getDurationEnv("TRACKER_POLL_INTERVAL", 120*time.Second),
			DebounceDelay:      getDurationEnv("TRACKER_DEBOUNCE_DELAY", 300*time.Millisecond),
			StatusTTL:          getDurationEnv("TRACKER_STATUS_TTL", 120*time.Second),
			BoostPerReferral:   getIntEnv("TRACKER_BOOST_PER_REFERRAL", 5),
			ApprovalsPerWeek:   getIntEnv("TRACKER_APPROVALS_PER_WEEK", 300),
			HousekeepingSpec:   getEnv("TRACKER_HOUSEKEEPING_SPEC", "0 */10 * * * *"),
			HousekeepingBudget: getDurationEnv("TRACKER_HOUSEKEEPING_TIMEOUT", 30*time.Second),
			LeaderboardLimit:   getIntEnv("TRACKER_LEADERBOARD_LIMIT", 10),
		},

		Cache: CacheConfig{
			Store:     strings.ToLower(getEnv("CACHE_STORE", "redis")),
			Namespace: getEnv("CACHE_NAMESPACE", "queuetrack"),
		},

		// Database configuration
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "queuetrack"),
			User:     getEnv("DB_USER", "queuetrack"),
			Password: getEnv("DB_PASSWORD", "queuetrack"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},

		// Redis configuration
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},

		Kafka: KafkaConfig{
			Brokers:            getStringSliceEnv("KAFKA_BROKERS", nil),
			GroupID:            getEnv("KAFKA_GROUP_ID", "queuetrack-account-events"),
			AccountEventsTopic: getEnv("ACCOUNT_EVENTS_TOPIC", "account-events"),
			NotificationsTopic: getEnv("NOTIFICATIONS_TOPIC", "waitlist-notifications"),
		},

		// Rate limiting
		RateLimit: RateLimitConfig{
			Enabled:           getBoolEnv("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatEnv("RATE_LIMIT_RPS", 10),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 20),
		},

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "debug"),
	}

	// Build composite values
	cfg.Database.DSN = buildDatabaseDSN(cfg.Database)
	cfg.Redis.Addr = cfg.Redis.Host + ":" + cfg.Redis.Port

	return cfg
}

// buildDatabaseDSN builds the database connection string
func buildDatabaseDSN(db DatabaseConfig) string {
	return "host=" + db.Host +
		" port=" + db.Port +
		" user=" + db.User +
		" password=" + db.Password +
		" dbname=" + db.Name +
		" sslmode=" + db.SSLMode
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getIntEnv gets an integer environment variable with a fallback value
func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getDurationEnv gets a duration environment variable with a fallback value
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}

// getBoolEnv gets a boolean environment variable with a fallback value
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return fallback
}

// getStringSliceEnv gets a comma-separated string environment variable as a slice
func getStringSliceEnv(key string, fallback []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		var result []string
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

// KafkaEnabled reports whether any broker is configured
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return ":" + c.Port
}

// GetAPIBasePath returns the API base path
func (c *Config) GetAPIBasePath() string {
	return c.APIPrefix + "/" + c.APIVersion
}
