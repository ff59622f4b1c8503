package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	BrokerNone     = "none"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"

	envPrefix = "ORDERS"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StorageDriver       string `mapstructure:"storage_driver"`
	PostgresDSN         string `mapstructure:"postgres_dsn"`
	PostgresAutoMigrate bool   `mapstructure:"postgres_auto_migrate"`

	OrderDailyLimit          int    `mapstructure:"order_daily_limit"`
	OrderRejectNegativeQuota bool   `mapstructure:"order_reject_negative_quota"`
	OrderTimeZone            string `mapstructure:"order_time_zone"`

	OutboxBroker       string        `mapstructure:"outbox_broker"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts  int           `mapstructure:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `mapstructure:"outbox_retry_delay"`

	// KafkaBrokers — адреса через запятую.
	KafkaBrokers  string `mapstructure:"kafka_brokers"`
	KafkaTopic    string `mapstructure:"kafka_topic"`
	KafkaDLQTopic string `mapstructure:"kafka_dlq_topic"`

	RabbitMQURL   string `mapstructure:"rabbitmq_url"`
	RabbitMQQueue string `mapstructure:"rabbitmq_queue"`

	IdempotencyTTL              time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `mapstructure:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `mapstructure:"idempotency_cleanup_batch_size"`
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		OrderDailyLimit: 10,
		OrderTimeZone:   "Local",

		OutboxBroker:       BrokerNone,
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		KafkaTopic:    "ordersdata.order.events",
		KafkaDLQTopic: "ordersdata.dlq",

		RabbitMQQueue: "ordersdata.order.events",

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем config-файл, затем ORDERS_* переменные.
// Пустой path означает необязательный ./config.yaml. Переменные из .env подхватываются, если файл есть.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	defaults := DefaultConfig()
	setDefaults(v, defaults)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("grpc_addr", cfg.GRPCAddr)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("storage_driver", cfg.StorageDriver)
	v.SetDefault("postgres_dsn", cfg.PostgresDSN)
	v.SetDefault("postgres_auto_migrate", cfg.PostgresAutoMigrate)
	v.SetDefault("order_daily_limit", cfg.OrderDailyLimit)
	v.SetDefault("order_reject_negative_quota", cfg.OrderRejectNegativeQuota)
	v.SetDefault("order_time_zone", cfg.OrderTimeZone)
	v.SetDefault("outbox_broker", cfg.OutboxBroker)
	v.SetDefault("outbox_poll_interval", cfg.OutboxPollInterval)
	v.SetDefault("outbox_batch_size", cfg.OutboxBatchSize)
	v.SetDefault("outbox_max_attempts", cfg.OutboxMaxAttempts)
	v.SetDefault("outbox_retry_delay", cfg.OutboxRetryDelay)
	v.SetDefault("kafka_brokers", cfg.KafkaBrokers)
	v.SetDefault("kafka_topic", cfg.KafkaTopic)
	v.SetDefault("kafka_dlq_topic", cfg.KafkaDLQTopic)
	v.SetDefault("rabbitmq_url", cfg.RabbitMQURL)
	v.SetDefault("rabbitmq_queue", cfg.RabbitMQQueue)
	v.SetDefault("idempotency_ttl", cfg.IdempotencyTTL)
	v.SetDefault("idempotency_cleanup_interval", cfg.IdempotencyCleanupInterval)
	v.SetDefault("idempotency_cleanup_batch_size", cfg.IdempotencyCleanupBatchSize)
}

// Validate проверяет согласованность настроек; все найденные проблемы возвращаются вместе.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.OutboxBroker {
	case BrokerNone, "":
	case BrokerKafka:
		if len(c.Brokers()) == 0 {
			errs = append(errs, errors.New("kafka_brokers is required for kafka outbox broker"))
		}
	case BrokerRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			errs = append(errs, errors.New("rabbitmq_url is required for rabbitmq outbox broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported outbox broker %q", c.OutboxBroker))
	}

	if c.OrderDailyLimit <= 0 {
		errs = append(errs, fmt.Errorf("order_daily_limit must be positive, got %d", c.OrderDailyLimit))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Brokers разбирает KafkaBrokers, отбрасывая пустые элементы и пробелы.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Location возвращает часовой пояс, в котором считаются сутки для дневного лимита.
func (c Config) Location() (*time.Location, error) {
	switch c.OrderTimeZone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.OrderTimeZone)
	if err != nil {
		return nil, fmt.Errorf("order_time_zone %q: %w", c.OrderTimeZone, err)
	}
	return loc, nil
}
