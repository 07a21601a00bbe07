package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // feeding timezone must resolve on minimal images
)

var (
	config     *Config
	configOnce sync.Once
)

// Config stores all configuration of the application
type Config struct {
	// Environment type
	EnvType string

	// Database
	DBDriver        string // "mysql" or "sqlite"
	DBHost          string
	DBUser          string
	DBPassword      string
	DBName          string
	DBPort          string
	DBSQLitePath    string
	DBMigrationMode string // "auto" or "drop"

	// Server
	ServerPort string

	// Redis, used for the device weight cache when enabled
	RedisEnabled   bool
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	WeightCacheTTL time.Duration

	// MQTT
	MQTTBrokerURL            string // e.g. tcp://broker.example.com:1883
	MQTTClientID             string // prefix; a random suffix is appended per process
	MQTTUsername             string
	MQTTPassword             string
	MQTTSSLEnabled           bool
	MQTTCACertPath           string
	MQTTTopicNamespace       string
	MQTTKeepAlive            time.Duration
	MQTTMaxReconnectInterval time.Duration
	MQTTPublishTimeout       time.Duration

	// Feeding
	FeedingTimezone      string
	DefaultFeedAmount    int
	DetectionFeedAmount  int
	HistoryRetentionDays int
	DetectionDedupWindow time.Duration

	// Observability
	LogLevel       string
	LogDir         string
	MetricsEnabled bool

	location *time.Location
}

// LoadConfig loads config from environment variables based on ENV_TYPE
func LoadConfig() *Config {
	envType := getEnv("ENV_TYPE", "LOCAL")
	prefix := ""

	switch strings.ToUpper(envType) {
	case "LOCAL":
		prefix = "LOCAL_"
	case "SERVER":
		prefix = "SERVER_"
	default:
		fmt.Printf("Warning: Unknown ENV_TYPE '%s', defaulting to LOCAL environment\n", envType)
		prefix = "LOCAL_"
		envType = "LOCAL"
	}

	return &Config{
		EnvType: envType,

		// Database config - environment-specific variables win over plain ones
		DBDriver:        strings.ToLower(getEnv(prefix+"DB_DRIVER", getEnv("DB_DRIVER", "mysql"))),
		DBHost:          getEnv(prefix+"DB_HOST", getEnv("DB_HOST", "localhost")),
		DBUser:          getEnv(prefix+"DB_USER", getEnv("DB_USER", "root")),
		DBPassword:      getEnv(prefix+"DB_PASSWORD", getEnv("DB_PASSWORD", "")),
		DBName:          getEnv(prefix+"DB_NAME", getEnv("DB_NAME", "pet_feeder")),
		DBPort:          getEnv(prefix+"DB_PORT", getEnv("DB_PORT", "3306")),
		DBSQLitePath:    getEnv(prefix+"DB_SQLITE_PATH", getEnv("DB_SQLITE_PATH", "data/pet_feeder.db")),
		DBMigrationMode: getEnv(prefix+"DB_MIGRATION_MODE", getEnv("DB_MIGRATION_MODE", "auto")),

		ServerPort: getEnv(prefix+"SERVER_PORT", getEnv("SERVER_PORT", "3333")),

		RedisEnabled:   getEnvAsBool("REDIS_ENABLED", false),
		RedisHost:      getEnv(prefix+"REDIS_HOST", getEnv("REDIS_HOST", "localhost")),
		RedisPort:      getEnv(prefix+"REDIS_PORT", getEnv("REDIS_PORT", "6379")),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),
		WeightCacheTTL: getEnvAsDuration("WEIGHT_CACHE_TTL", 24*time.Hour),

		MQTTBrokerURL:            getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:             getEnv("MQTT_CLIENT_ID", "pet-feeder-backend"),
		MQTTUsername:             getEnv("MQTT_USERNAME", ""),
		MQTTPassword:             getEnv("MQTT_PASSWORD", ""),
		MQTTSSLEnabled:           getEnvAsBool("MQTT_SSL_ENABLED", false),
		MQTTCACertPath:           getEnv("MQTT_CA_CERT_PATH", ""),
		MQTTTopicNamespace:       strings.Trim(getEnv("MQTT_TOPIC_NAMESPACE", "pet-feeder"), "/"),
		MQTTKeepAlive:            getEnvAsDuration("MQTT_KEEPALIVE", 60*time.Second),
		MQTTMaxReconnectInterval: getEnvAsDuration("MQTT_MAX_RECONNECT_INTERVAL", 30*time.Second),
		MQTTPublishTimeout:       getEnvAsDuration("MQTT_PUBLISH_TIMEOUT", 3*time.Second),

		FeedingTimezone:      getEnv("FEEDING_TIMEZONE", "UTC"),
		DefaultFeedAmount:    getEnvAsInt("DEFAULT_FEED_AMOUNT", 100),
		DetectionFeedAmount:  getEnvAsInt("DETECTION_FEED_AMOUNT", 100),
		HistoryRetentionDays: getEnvAsInt("HISTORY_RETENTION_DAYS", 30),
		DetectionDedupWindow: getEnvAsDuration("DETECTION_DEDUP_WINDOW", 5*time.Minute),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDir:         getEnv("LOG_DIR", "logs"),
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}
}

// GetConfig returns the application configuration as a singleton
func GetConfig() *Config {
	configOnce.Do(func() {
		config = LoadConfig()
	})
	return config
}

// Validate checks values that would otherwise fail late, and resolves the feeding timezone.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}
	if c.MQTTTopicNamespace == "" {
		errs = append(errs, errors.New("MQTT_TOPIC_NAMESPACE must not be empty"))
	}
	if c.DefaultFeedAmount <= 0 || c.DetectionFeedAmount <= 0 {
		errs = append(errs, errors.New("feed amounts must be positive"))
	}
	if c.HistoryRetentionDays <= 0 {
		errs = append(errs, errors.New("HISTORY_RETENTION_DAYS must be positive"))
	}

	loc, err := time.LoadLocation(c.FeedingTimezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("FEEDING_TIMEZONE %q: %w", c.FeedingTimezone, err))
	} else {
		c.location = loc
	}

	return errors.Join(errs...)
}

// Location returns the feeding timezone. Validate must have succeeded first.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// HistoryRetention is the age after which feeding history is pruned.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	if c.DBDriver == "sqlite" {
		return c.DBSQLitePath
	}
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?charset=utf8mb4&parseTime=True&loc=UTC"
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// Helper function to get environment variable with default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variable as integer with default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variable as boolean with default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
