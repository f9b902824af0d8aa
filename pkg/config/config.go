package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Analytics AnalyticsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	Environment    string
	AllowedOrigins []string
	// PushInterval is how often the live dashboard socket is refreshed.
	PushInterval time.Duration
}

func (s ServerConfig) IsDevelopment() bool {
	return s.Environment == "development"
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider     string
	Model        string
	APIKey       string
	Temperature  float32
	MaxTokens    int
	TimeoutSec   int
	MaxSentences int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// AnalyticsConfig holds the static tuning values of the analytics core.
type AnalyticsConfig struct {
	MetricsCacheTTL      time.Duration
	DashboardCacheTTL    time.Duration
	InsightCacheTTL      time.Duration
	SignificanceLevel    float64
	CorrelationTolerance float64
	MaxInsights          int
	SeriesCapacity       int
	SeriesRetention      time.Duration
	ReportsDir           string
	DownloadBaseURL      string
	Thresholds           map[string]map[string]float64
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/scamguard")

	v.SetEnvPrefix("SCAMGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Analytics.SignificanceLevel <= 0 || c.Analytics.SignificanceLevel >= 1 {
		return fmt.Errorf("analytics.significanceLevel must be in (0,1), got %v", c.Analytics.SignificanceLevel)
	}
	if c.Analytics.MetricsCacheTTL <= 0 || c.Analytics.InsightCacheTTL <= 0 {
		return fmt.Errorf("analytics cache TTLs must be positive")
	}
	if c.Analytics.SeriesCapacity <= 0 {
		return fmt.Errorf("analytics.seriesCapacity must be positive")
	}
	return nil
}

// DefaultThresholds are the alert thresholds evaluated by the insight generator.
func DefaultThresholds() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"response_time": {
			"p95_threshold": 5.0,
		},
		"success_rate": {
			"min_accuracy": 90.0,
		},
		"error_rate": {
			"critical_rate": 10.0,
		},
		"message_volume": {
			"spike": 3.0,
			"drop":  0.3,
		},
		"scam_detection_rate": {
			"critical_rate": 60.0,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.pushInterval", 30*time.Second)

	v.SetDefault("sqlite.path", "./data/scamguard.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 512)
	v.SetDefault("llm.timeoutSec", 30)
	v.SetDefault("llm.maxSentences", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("rateLimit.requestsPerMinute", 120)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("analytics.metricsCacheTTL", 5*time.Minute)
	v.SetDefault("analytics.dashboardCacheTTL", 5*time.Minute)
	v.SetDefault("analytics.insightCacheTTL", 15*time.Minute)
	v.SetDefault("analytics.significanceLevel", 0.05)
	v.SetDefault("analytics.correlationTolerance", 5.0)
	v.SetDefault("analytics.maxInsights", 50)
	v.SetDefault("analytics.seriesCapacity", 2016)
	v.SetDefault("analytics.seriesRetention", 7*24*time.Hour)
	v.SetDefault("analytics.reportsDir", "./data/reports")
	v.SetDefault("analytics.downloadBaseURL", "/api/v1/reports/download")
	v.SetDefault("analytics.thresholds", DefaultThresholds())
}
