package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Retry       RetryConfig
	Breaker     BreakerConfig
	Media       MediaConfig
	Cache       CacheConfig
	Pipeline    PipelineConfig
	Calibration CalibrationConfig
	Budget      BudgetConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	CORSOrigins  string
	// Development relaxes transport headers for local runs.
	Development bool
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
	Provider           string
	Model              string
	APIKey             string
	BaseURL            string
	Temperature        float32
	MaxTokens          int
	TimeoutSec         int
	PromptVersion      string
	MaxImages          int
	MaxContextChars    int
	CostPer1KTokens    float64
	ImageTokenEstimate int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

type BreakerConfig struct {
	Window      time.Duration
	MinRequests uint32
	FailureRate float64
	Cooldown    time.Duration
	MaxProbes   uint32
}

type MediaConfig struct {
	// BaseURL resolves relative media refs against the file store.
	BaseURL          string
	MaxWidth         int
	MaxHeight        int
	QualityThreshold float64
	JPEGQuality      int
	FetchTimeoutSec  int
	MaxBytes         int64
}

type CacheConfig struct {
	Window time.Duration
}

type PipelineConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// MaxMediaRefs bounds refs per submission; llm.maxImages bounds how many
	// usable images reach the model.
	MaxMediaRefs int
}

type CalibrationConfig struct {
	Interval   time.Duration
	MinSamples int
	Shrinkage  float64
}

type OrgBudget struct {
	Daily   float64
	Monthly float64
}

type BudgetConfig struct {
	Daily           float64
	Monthly         float64
	Thresholds      []float64
	HardStop        bool
	AlertWebhookURL string
	AlertTimeoutSec int
	OrgOverrides    map[string]OrgBudget
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads config.yaml from the usual search paths, then applies
// SMARTSCOPE_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/smartscope")

	return load(v)
}

// LoadFile reads an explicit config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("SMARTSCOPE")
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
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Media.QualityThreshold < 0 || c.Media.QualityThreshold > 1 {
		return fmt.Errorf("media.qualityThreshold must be within [0,1], got %v", c.Media.QualityThreshold)
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("breaker.failureRate must be within (0,1], got %v", c.Breaker.FailureRate)
	}
	for _, t := range c.Budget.Thresholds {
		if t <= 0 {
			return fmt.Errorf("budget.thresholds must be positive, got %v", t)
		}
	}
	return nil
}

// BudgetFor returns the daily and monthly limits for org, honouring overrides.
func (b BudgetConfig) BudgetFor(orgID string) OrgBudget {
	limits := OrgBudget{Daily: b.Daily, Monthly: b.Monthly}
	// viper lower-cases map keys.
	if o, ok := b.OrgOverrides[strings.ToLower(orgID)]; ok {
		if o.Daily > 0 {
			limits.Daily = o.Daily
		}
		if o.Monthly > 0 {
			limits.Monthly = o.Monthly
		}
	}
	return limits
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.corsOrigins", "*")
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/smartscope.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 2000)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.promptVersion", "v1")
	v.SetDefault("llm.maxImages", 8)
	v.SetDefault("llm.maxContextChars", 2000)
	v.SetDefault("llm.costPer1KTokens", 0.01)
	v.SetDefault("llm.imageTokenEstimate", 765)

	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.initialDelay", 500*time.Millisecond)
	v.SetDefault("retry.maxDelay", 8*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitterFraction", 0.2)

	v.SetDefault("breaker.window", time.Minute)
	v.SetDefault("breaker.minRequests", 5)
	v.SetDefault("breaker.failureRate", 0.5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.maxProbes", 1)

	v.SetDefault("media.baseURL", "")
	v.SetDefault("media.maxWidth", 2048)
	v.SetDefault("media.maxHeight", 2048)
	v.SetDefault("media.qualityThreshold", 0.7)
	v.SetDefault("media.jpegQuality", 85)
	v.SetDefault("media.fetchTimeoutSec", 15)
	v.SetDefault("media.maxBytes", 20<<20)

	v.SetDefault("cache.window", 24*time.Hour)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queueSize", 64)
	v.SetDefault("pipeline.jobTimeout", 3*time.Minute)
	v.SetDefault("pipeline.maxMediaRefs", 20)

	v.SetDefault("calibration.interval", time.Hour)
	v.SetDefault("calibration.minSamples", 10)
	v.SetDefault("calibration.shrinkage", 20.0)

	v.SetDefault("budget.daily", 25.0)
	v.SetDefault("budget.monthly", 500.0)
	v.SetDefault("budget.thresholds", []float64{0.8, 1.0})
	v.SetDefault("budget.hardStop", false)
	v.SetDefault("budget.alertWebhookURL", "")
	v.SetDefault("budget.alertTimeoutSec", 10)

	v.SetDefault("rateLimit.requestsPerSecond", 5.0)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
