package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = ""
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Venue                   VenueConfig               `mapstructure:"venue"`
	MarketData              MarketDataConfig          `mapstructure:"market_data"`
	Risk                    RiskConfig                `mapstructure:"risk"`
	Execution               ExecutionConfig           `mapstructure:"execution"`
	Scheduler               SchedulerConfig           `mapstructure:"scheduler"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
}

type APIKeyConfig struct {
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type VenueConfig struct {
	Name          string `mapstructure:"name"`
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	RESTBaseURL   string `mapstructure:"rest_base_url"`
	WebsocketHost string `mapstructure:"websocket_host"`
	WebsocketPath string `mapstructure:"websocket_path"`
}

type MarketDataConfig struct {
	Symbols          []string `mapstructure:"symbols"`
	SubscriberBuffer int      `mapstructure:"subscriber_buffer"`
}

// RiskConfig holds account-level defaults; per-bot budgets override them.
type RiskConfig struct {
	AllowedSymbols  []string        `mapstructure:"allowed_symbols"`
	MaxPositionSize decimal.Decimal `mapstructure:"max_position_size"`
	RiskFraction    decimal.Decimal `mapstructure:"risk_fraction"`
	AccountEquity   decimal.Decimal `mapstructure:"account_equity"`
}

// ExecutionConfig timeouts are risk relevant: they bound how long an order
// can sit in an ambiguous state before reconciliation kicks in.
type ExecutionConfig struct {
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
	SubmitMaxAttempts int           `mapstructure:"submit_max_attempts"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	MinBackoff        time.Duration `mapstructure:"min_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	CancelAckTimeout  time.Duration `mapstructure:"cancel_ack_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type SchedulerConfig struct {
	TickBuffer        int           `mapstructure:"tick_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StopDrainTimeout  time.Duration `mapstructure:"stop_drain_timeout"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
