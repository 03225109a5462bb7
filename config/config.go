package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"

	EnvDevelopment = "development"
	EnvProduction  = "production"

	DefaultCarrierBaseURL = "https://warehouse.directhouse.no/api/"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Worker    WorkerConfig    `yaml:"worker"`
	API       APIConfig       `yaml:"api"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver" env:"PARCELSYNC_DB_DRIVER" validate:"oneof=postgres sqlite"`
	Host       string `yaml:"host" env:"PARCELSYNC_DB_HOST"`
	Port       int    `yaml:"port" env:"PARCELSYNC_DB_PORT"`
	Username   string `yaml:"username" env:"PARCELSYNC_DB_USER"`
	Password   string `yaml:"password" env:"PARCELSYNC_DB_PASSWORD"`
	DBName     string `yaml:"name" env:"PARCELSYNC_DB_NAME"`
	SSLMode    string `yaml:"ssl_mode" env:"PARCELSYNC_DB_SSLMODE"`
	SQLitePath string `yaml:"sqlite_path" env:"PARCELSYNC_SQLITE_PATH"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host" env:"PARCELSYNC_KAFKA_HOST"`
	Port                     int    `yaml:"port" env:"PARCELSYNC_KAFKA_PORT"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
	OrderStatusTopicName     string `yaml:"order_status_topic_name"`
	ConsumerGroup            string `yaml:"consumer_group"`
}

type RedisConfig struct {
	Host                  string `yaml:"host" env:"PARCELSYNC_REDIS_HOST"`
	Port                  int    `yaml:"port" env:"PARCELSYNC_REDIS_PORT"`
	StatusCacheTTLSeconds int    `yaml:"status_cache_ttl_seconds"`
}

type CarrierConfig struct {
	BaseURL        string `yaml:"base_url" env:"PARCELSYNC_CARRIER_BASE_URL" validate:"omitempty,url"`
	Environment    string `yaml:"environment" env:"PARCELSYNC_ENV" validate:"omitempty,oneof=development production"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0,lte=120"`
	UserAgent      string `yaml:"user_agent"`
	// "fake" switches to the deterministic offline client.
	Mode           string `yaml:"mode" env:"PARCELSYNC_CARRIER_MODE" validate:"omitempty,oneof=http fake"`
}

type RateLimitConfig struct {
	Backend       string `yaml:"backend" env:"PARCELSYNC_RATE_LIMIT_BACKEND" validate:"omitempty,oneof=memory redis"`
	WindowSeconds int    `yaml:"window_seconds" validate:"gte=0"`
	MaxRequests   int    `yaml:"max_requests" validate:"gte=0"`
	Key           string `yaml:"key"`
}

type ReconcileConfig struct {
	Statuses                 []models.StatusFilter `yaml:"statuses" validate:"dive"`
	ExcludeDelivered         bool                  `yaml:"exclude_delivered"`
	MaxUpdates               int                   `yaml:"max_updates" validate:"gte=0"`
	BatchSize                int                   `yaml:"batch_size" validate:"gte=0,lte=200"`
	Concurrency              int                   `yaml:"concurrency" validate:"gte=0,lte=25"`
	Parallel                 bool                  `yaml:"parallel"`
	MaxRetryPasses           int                   `yaml:"max_retry_passes" validate:"gte=0,lte=10"`
	RetryBackoffCapSeconds   int                   `yaml:"retry_backoff_cap_seconds" validate:"gte=0"`
	TimeLimitSeconds         int                   `yaml:"time_limit_seconds" validate:"gte=0"`
	MemoryLimitMB            int                   `yaml:"memory_limit_mb" validate:"gte=0"`
	MemoryThreshold          float64               `yaml:"memory_threshold" validate:"gte=0,lte=1"`
	RequestSpacingMillis     int                   `yaml:"request_spacing_ms" validate:"gte=0"`
	AutoCompleteDelivered    *bool                 `yaml:"auto_complete_delivered"`
	CompletedStatus          string                `yaml:"completed_status"`
	RefreshIntervalSeconds   int                   `yaml:"refresh_interval_seconds" validate:"gte=0"`
	UnfetchedIntervalSeconds int                   `yaml:"unfetched_interval_seconds" validate:"gte=0"`
}

type WorkerConfig struct {
	HTTPAddr    string `yaml:"http_addr" env:"PARCELSYNC_HTTP_ADDR"`
	SwaggerPath string `yaml:"swagger_path" env:"swaggerPath"`
	LogLevel    string `yaml:"log_level" env:"PARCELSYNC_LOG_LEVEL" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// APIConfig is the read-only tracking API.
type APIConfig struct {
	HTTPAddr      string `yaml:"http_addr" env:"PARCELSYNC_API_HTTP_ADDR"`
	ConsumerGroup string `yaml:"consumer_group"`
}

func LoadConfig(filename string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset knob. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "parcelsync.db"
	}

	if c.Kafka.TrackingUpdatedTopicName == "" {
		c.Kafka.TrackingUpdatedTopicName = "tracking.updated"
	}
	if c.Kafka.OrderStatusTopicName == "" {
		c.Kafka.OrderStatusTopicName = "order.status_changed"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "parcelsync-worker"
	}

	if c.Redis.StatusCacheTTLSeconds < 0 {
		c.Redis.StatusCacheTTLSeconds = 0
	}

	if c.Carrier.BaseURL == "" {
		c.Carrier.BaseURL = DefaultCarrierBaseURL
	}
	if c.Carrier.Environment == "" {
		c.Carrier.Environment = EnvProduction
	}
	if c.Carrier.TimeoutSeconds <= 0 {
		c.Carrier.TimeoutSeconds = 5
		if c.Carrier.Environment == EnvDevelopment {
			c.Carrier.TimeoutSeconds = 10
		}
	}
	if c.Carrier.UserAgent == "" {
		c.Carrier.UserAgent = "ParcelSync/1.0"
	}
	if c.Carrier.Mode == "" {
		c.Carrier.Mode = "http"
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitMemory
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Key == "" {
		c.RateLimit.Key = "rl:carrier:directhouse"
	}

	r := &c.Reconcile
	if len(r.Statuses) == 0 {
		r.Statuses = models.DefaultStatusFilters()
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 50
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 5
	}
	if r.MaxRetryPasses <= 0 {
		r.MaxRetryPasses = 3
	}
	if r.RetryBackoffCapSeconds <= 0 {
		r.RetryBackoffCapSeconds = 30
	}
	if r.TimeLimitSeconds <= 0 {
		r.TimeLimitSeconds = 25
	}
	if r.MemoryLimitMB <= 0 {
		r.MemoryLimitMB = 256
	}
	if r.MemoryThreshold <= 0 {
		r.MemoryThreshold = 0.9
	}
	if r.AutoCompleteDelivered == nil {
		v := true
		r.AutoCompleteDelivered = &v
	}
	if r.CompletedStatus == "" {
		r.CompletedStatus = "completed"
	}
	if r.RefreshIntervalSeconds <= 0 {
		r.RefreshIntervalSeconds = 3600
	}
	if r.UnfetchedIntervalSeconds <= 0 {
		r.UnfetchedIntervalSeconds = 900
	}

	if c.Worker.HTTPAddr == "" {
		c.Worker.HTTPAddr = ":8082"
	}
	if c.Worker.LogLevel == "" {
		c.Worker.LogLevel = "INFO"
	}
	if c.API.HTTPAddr == "" {
		c.API.HTTPAddr = ":8080"
	}
	if c.API.ConsumerGroup == "" {
		c.API.ConsumerGroup = "parcelsync-api"
	}
}

func (c *Config) PostgresDSN() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, sslMode)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) CarrierTimeout() time.Duration {
	return time.Duration(c.Carrier.TimeoutSeconds) * time.Second
}

func (c *Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.Redis.StatusCacheTTLSeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
