package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию движка.
type Config struct {
	// Настройки сервера
	Port        string `envconfig:"ENGINE_SERVER_PORT" default:"8085"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Граф историй
	StoriesDir string `envconfig:"STORIES_DIR" default:"./stories"`

	// Параметры движка
	TimerSweepInterval    time.Duration `envconfig:"TIMER_SWEEP_INTERVAL" default:"1s"`
	EarlyResolveMinVoters int           `envconfig:"ENGINE_EARLY_RESOLVE_MIN_VOTERS" default:"3"`
	PartyMaxSize          int           `envconfig:"PARTY_MAX_SIZE" default:"4"`
	PartyMaxAge           time.Duration `envconfig:"PARTY_MAX_AGE" default:"1h"`
	InviteCodeTTL         time.Duration `envconfig:"INVITE_CODE_TTL" default:"15m"`
	ResourceFloor         int           `envconfig:"RESOURCE_FLOOR" default:"0"`

	// Настройки PostgreSQL (опциональны: без DB_HOST движок работает только в памяти)
	DBHost        string        `envconfig:"DB_HOST"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER"`
	DBName        string        `envconfig:"DB_NAME"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	// Настройки Redis (опциональны: без адреса инвайт-коды живут в памяти)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Настройки RabbitMQ (опциональны: без URL доставка идёт только в ws-хаб)
	RabbitMQURL          string `envconfig:"RABBITMQ_URL"`
	PrivateDeliveryQueue string `envconfig:"PRIVATE_DELIVERY_QUEUE" default:"private_deliveries"`
	ClientUpdatesQueue   string `envconfig:"CLIENT_UPDATES_QUEUE_NAME" default:"client_updates"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// PersistenceEnabled сообщает, настроен ли Postgres-коллаборатор.
func (c *Config) PersistenceEnabled() bool {
	return c.DBHost != ""
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации движка: %w", err)
	}

	// Пароль БД обязателен только если персистентность вообще включена.
	if cfg.PersistenceEnabled() {
		secret, err := readSecret("db_password")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword = secret
	}

	return &cfg, nil
}

// readSecret читает секрет из Docker Secrets с fallback на переменную окружения.
func readSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	if secretBytes, err := os.ReadFile(filePath); err == nil {
		secret := strings.TrimSpace(string(secretBytes))
		if secret != "" {
			return secret, nil
		}
	}
	if fromEnv := strings.TrimSpace(os.Getenv(strings.ToUpper(secretName))); fromEnv != "" {
		return fromEnv, nil
	}
	return "", fmt.Errorf("secret %s not found in /run/secrets or environment", secretName)
}
