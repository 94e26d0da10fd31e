package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradepulse TradepulseConfig `yaml:"tradepulse"`
	Hub        HubConfig        `yaml:"hub"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type TradepulseConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type HubConfig struct {
	Address            string   `yaml:"address"`
	AuthSecret         string   `yaml:"auth_secret"`
	MaxSessionsPerUser int      `yaml:"max_sessions_per_user"`
	PingInterval       Duration `yaml:"ping_interval"`
	LivenessTimeout    Duration `yaml:"liveness_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	Channels           []string `yaml:"channels"`
}

type ExchangeConfig struct {
	Bybit BybitConfig `yaml:"bybit"`
}

type BybitConfig struct {
	Enabled              bool     `yaml:"enabled"`
	URL                  string   `yaml:"url"`
	SandboxURL           string   `yaml:"sandbox_url"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReplayPerSecond      int      `yaml:"replay_per_second"`
	Symbols              []string `yaml:"symbols"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

// Duration wraps time.Duration so values such as "30s" can be used
// directly in the YAML configuration file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Hub: HubConfig{
			MaxSessionsPerUser: 5,
			PingInterval:       Duration(30 * time.Second),
			LivenessTimeout:    Duration(60 * time.Second),
			WriteTimeout:       Duration(5 * time.Second),
		},
		Exchange: ExchangeConfig{
			Bybit: BybitConfig{
				ConnectTimeout:       Duration(10 * time.Second),
				HeartbeatInterval:    Duration(20 * time.Second),
				ReconnectBaseDelay:   Duration(5 * time.Second),
				MaxReconnectAttempts: 10,
				ReplayPerSecond:      5,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets from environment variables if available
	if v := os.Getenv("WS_AUTH_SECRET"); v != "" {
		config.Hub.AuthSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if len(config.Hub.Channels) == 0 {
		config.Hub.Channels = DefaultChannels()
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// DefaultChannels returns the broadcast channels available when the
// configuration does not name an explicit set.
func DefaultChannels() []string {
	return []string{"system-health", "bot-status", "alerts", "signals", "time-sync"}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradepulse.Name == "" {
		return fmt.Errorf("tradepulse.name is required")
	}

	if cfg.Tradepulse.Version == "" {
		return fmt.Errorf("tradepulse.version is required")
	}

	if cfg.Hub.Address == "" {
		return fmt.Errorf("hub.address is required")
	}

	if cfg.Hub.AuthSecret == "" {
		return fmt.Errorf("hub.auth_secret is required (or set WS_AUTH_SECRET)")
	}

	if cfg.Hub.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("hub.max_sessions_per_user must be greater than 0")
	}

	if cfg.Hub.PingInterval.Value() <= 0 {
		return fmt.Errorf("hub.ping_interval must be greater than 0")
	}

	if cfg.Hub.LivenessTimeout.Value() <= 0 {
		return fmt.Errorf("hub.liveness_timeout must be greater than 0")
	}

	if cfg.Exchange.Bybit.Enabled {
		if resolveBybitURL(&cfg.Exchange.Bybit) == "" {
			return fmt.Errorf("exchange.bybit.url is required when bybit is enabled")
		}
		if cfg.Exchange.Bybit.MaxReconnectAttempts <= 0 {
			return fmt.Errorf("exchange.bybit.max_reconnect_attempts must be greater than 0")
		}
		if cfg.Exchange.Bybit.ReconnectBaseDelay.Value() <= 0 {
			return fmt.Errorf("exchange.bybit.reconnect_base_delay must be greater than 0")
		}
	}

	return nil
}
