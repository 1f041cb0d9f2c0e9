package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ReconnectTimeout   time.Duration `mapstructure:"reconnect_timeout"`

	QualityDowngradeLossThreshold float64       `mapstructure:"quality_downgrade_loss_threshold"`
	QualityDowngradeRTT           time.Duration `mapstructure:"quality_downgrade_rtt"`
	QualityUpgradeDebounce        time.Duration `mapstructure:"quality_upgrade_debounce"`

	MaxGroupParticipants          int           `mapstructure:"max_group_participants"`
	SubscriptionConvergenceBudget time.Duration `mapstructure:"subscription_convergence_budget"`

	SignalRate  float64 `mapstructure:"signal_rate"`
	SignalBurst int     `mapstructure:"signal_burst"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("ring_timeout", "60s")
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("reconnect_timeout", "30s")

	v.SetDefault("quality_downgrade_loss_threshold", 0.05)
	v.SetDefault("quality_downgrade_rtt", "400ms")
	v.SetDefault("quality_upgrade_debounce", "10s")

	v.SetDefault("max_group_participants", 50)
	v.SetDefault("subscription_convergence_budget", "2s")

	// Signaling messages per second per connection, with burst.
	v.SetDefault("signal_rate", 50.0)
	v.SetDefault("signal_burst", 100)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
