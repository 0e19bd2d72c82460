package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Cost      CostConfig
	Gemini    GeminiConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Browser   BrowserConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type SchedulerConfig struct {
	CycleInterval       time.Duration
	RetentionDays       int
	ExtractorDelay      time.Duration
	ExtractorTimeout    time.Duration
	ExtractorMaxRecords int
}

type CostConfig struct {
	MaxDailyCostUSD   float64
	AlertThresholdUSD float64
	InputRatePerMTok  float64
	OutputRatePerMTok float64
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	RelayPollInterval time.Duration
	RelayBatchSize    int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string
	ProxyServer    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Scheduler: SchedulerConfig{
			CycleInterval:       getDurationOrDefault("CYCLE_INTERVAL", 6*time.Hour),
			RetentionDays:       getIntOrDefault("RETENTION_DAYS", 7),
			ExtractorDelay:      getDurationOrDefault("EXTRACTOR_DELAY", 10*time.Second),
			ExtractorTimeout:    getDurationOrDefault("EXTRACTOR_TIMEOUT", 60*time.Second),
			ExtractorMaxRecords: getIntOrDefault("EXTRACTOR_MAX_RECORDS", 50),
		},
		Cost: CostConfig{
			MaxDailyCostUSD:   getFloatOrDefault("MAX_DAILY_COST_USD", 1.00),
			AlertThresholdUSD: getFloatOrDefault("COST_ALERT_THRESHOLD_USD", 0.50),
			InputRatePerMTok:  getFloatOrDefault("COST_INPUT_RATE_PER_MTOK", 3.0),
			OutputRatePerMTok: getFloatOrDefault("COST_OUTPUT_RATE_PER_MTOK", 15.0),
		},
		Gemini: GeminiConfig{
			APIKey: os.Getenv("GEMINI_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "deal_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
			MinConns: int32(getIntOrDefault("DB_MIN_CONNS", 2)),
		},
		Redis: RedisConfig{
			Addr:              getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:          getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:                getIntOrDefault("REDIS_DB", 0),
			RelayPollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			RelayBatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Cost.MaxDailyCostUSD <= 0 {
		return fmt.Errorf("MAX_DAILY_COST_USD must be positive")
	}

	if c.Cost.AlertThresholdUSD > c.Cost.MaxDailyCostUSD {
		return fmt.Errorf("COST_ALERT_THRESHOLD_USD cannot exceed MAX_DAILY_COST_USD")
	}

	if c.Scheduler.CycleInterval < time.Minute {
		return fmt.Errorf("CYCLE_INTERVAL must be at least 1m")
	}

	if c.Scheduler.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1")
	}

	if c.Scheduler.ExtractorTimeout <= 0 {
		return fmt.Errorf("EXTRACTOR_TIMEOUT must be positive")
	}

	return nil
}

// Retention converts the configured retention window to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Scheduler.RetentionDays) * 24 * time.Hour
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
