package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации оркестратора.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера Control API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, leases, дедуп таймеров).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// BackoffConfig — форма экспоненциального бэкоффа (общая для агентов и ранов).
type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
	MaxFactor    float64       `mapstructure:"max_factor"`
}

// ProbeConfig — дефолты health-проб (liveness/readiness).
type ProbeConfig struct {
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// EngineConfig содержит настройки оркестрационного ядра.
type EngineConfig struct {
	AgentBackoff BackoffConfig `mapstructure:"agent_backoff"`
	RunBackoff   BackoffConfig `mapstructure:"run_backoff"`
	Probe        ProbeConfig   `mapstructure:"probe"`

	StartupTimeout    time.Duration `mapstructure:"startup_timeout"` // registered->healthy
	StartupMaxRetries int           `mapstructure:"startup_max_retries"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	HeartbeatWindow   time.Duration `mapstructure:"heartbeat_window"` // Потеря heartbeat = AgentDied

	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	RunMaxAttempts  int           `mapstructure:"run_max_attempts"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"` // Дефолт HITL-гейта

	// Cooldown подавления повторного карантина по тому же правилу
	QuarantineCooldown time.Duration `mapstructure:"quarantine_cooldown"`
	CanaryWindow       time.Duration `mapstructure:"canary_window"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Circuit Breaker вокруг исполнителей
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	ExecutorRPS   float64       `mapstructure:"executor_rps"`
	ExecutorBurst int           `mapstructure:"executor_burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: ENGINE_LEASE_TTL=60s перекроет engine.lease_ttl
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Ключи либо напрямую из ENV (Docker/K8s), либо из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.agent_backoff.initial_delay", 5*time.Second)
	v.SetDefault("engine.agent_backoff.max_delay", 10*time.Minute)
	v.SetDefault("engine.agent_backoff.multiplier", 2.0)
	v.SetDefault("engine.agent_backoff.jitter", true)
	v.SetDefault("engine.agent_backoff.max_factor", 64.0)

	v.SetDefault("engine.run_backoff.initial_delay", 1*time.Second)
	v.SetDefault("engine.run_backoff.max_delay", 5*time.Minute)
	v.SetDefault("engine.run_backoff.multiplier", 2.0)
	v.SetDefault("engine.run_backoff.jitter", true)
	v.SetDefault("engine.run_backoff.max_factor", 64.0)

	v.SetDefault("engine.probe.initial_delay", 10*time.Second)
	v.SetDefault("engine.probe.interval", 15*time.Second)
	v.SetDefault("engine.probe.timeout", 5*time.Second)
	v.SetDefault("engine.probe.success_threshold", 1)
	v.SetDefault("engine.probe.failure_threshold", 3)

	v.SetDefault("engine.startup_timeout", 2*time.Minute)
	v.SetDefault("engine.startup_max_retries", 3)
	v.SetDefault("engine.drain_timeout", 5*time.Minute)
	v.SetDefault("engine.heartbeat_window", 45*time.Second)
	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.run_max_attempts", 3)
	v.SetDefault("engine.approval_timeout", 30*time.Minute)
	v.SetDefault("engine.quarantine_cooldown", 1*time.Hour)
	v.SetDefault("engine.canary_window", 24*time.Hour)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.executor_rps", 100.0)
	v.SetDefault("engine.executor_burst", 20)
}

// loadKeyResource — универсальный хелпер: ENV имеет приоритет над файлом.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
