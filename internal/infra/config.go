package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xela07ax/agentgate/internal/policy"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// TrustProxy включает chi RealIP. Без доверенного прокси X-Forwarded-For подделывается
	// и обходит allowlist, поэтому по умолчанию выключено.
	TrustProxy bool   `mapstructure:"trust_proxy"`
	UIOrigin   string `mapstructure:"ui_origin"`
}

// Политика реакции на ConfigurationError при монтировании.
const (
	OnConfigErrorAbortProcess = "abort-process"
	OnConfigErrorDisableAgent = "disable-agent"
)

// AgentConfig — сырые значения для Environment Resolver и точки монтирования.
type AgentConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	AllowedIPs    string `mapstructure:"allowed_ips"`
	AdminUsers    string `mapstructure:"admin_users"`
	Environment   string `mapstructure:"environment"`
	BasePath      string `mapstructure:"base_path"`
	WSPath        string `mapstructure:"ws_path"`
	OnConfigError string `mapstructure:"on_config_error"`
	GRPCAddr      string `mapstructure:"grpc_addr"`
}

// Raw превращает секцию конфига во вход резолвера.
func (a AgentConfig) Raw() policy.RawConfig {
	return policy.RawConfig{
		Enabled:      a.Enabled,
		AllowedPeers: a.AllowedIPs,
		AdminUsers:   a.AdminUsers,
		Environment:  a.Environment,
	}
}

// AbortOnConfigError — по умолчанию (и при опечатке) останавливаем весь процесс.
func (a AgentConfig) AbortOnConfigError() bool {
	return !strings.EqualFold(strings.TrimSpace(a.OnConfigError), OnConfigErrorDisableAgent)
}

// DatabaseConfig описывает подключение к PostgreSQL (аудит решений гвардов).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (memory key-value).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит ключи проверки JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	HMACSecret    string `mapstructure:"hmac_secret"`
	PublicKey     []byte
}

// EngineConfig — аудит и защита внешнего memory-хранилища.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию: .env -> файл -> ENV -> дефолты.
// При пустом configPath ищем config.yaml в . и ./configs.
func LoadConfig(configPath string) (*Config, error) {
	// .env не обязателен, но битый файл считается ошибкой
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// AGENT_ALLOWED_IPS=... перекроет agent.allowed_ips
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Уровень окружения исторически задается через NODE_ENV
	_ = v.BindEnv("agent.environment", "AGENT_ENVIRONMENT", "APP_ENV", "NODE_ENV")

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

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.ui_origin", "")

	v.SetDefault("agent.enabled", false)
	v.SetDefault("agent.allowed_ips", "")
	v.SetDefault("agent.admin_users", "")
	v.SetDefault("agent.environment", "") // пусто => development, резолвер предупреждает
	v.SetDefault("agent.base_path", "/agent")
	v.SetDefault("agent.ws_path", "/agent/ws")
	v.SetDefault("agent.on_config_error", OnConfigErrorAbortProcess)
	v.SetDefault("agent.grpc_addr", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.hmac_secret", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 100.0)
	v.SetDefault("engine.rate_burst", 20)
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига.
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
