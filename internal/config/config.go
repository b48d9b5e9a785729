package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppLogPath   = "data/logs/flipbot.log"
	defaultAppHTTPAddr  = ":8080"
	defaultDatabasePath = "data/flipbot.db"
	defaultHTTPTimeout  = 15

	defaultOrderNotional = 25.0
	defaultLeverage      = 10
	defaultStopLossPct   = 4.0
	defaultTakeProfitPct = 8.0
	defaultTimeframe     = "15m"
	defaultWindowSize    = 50

	defaultSweepInterval = 300
	defaultSweepBackoff  = 60
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.App.LogPath == "" {
		c.App.LogPath = defaultAppLogPath
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Binance.HTTPTimeoutSeconds <= 0 {
		c.Binance.HTTPTimeoutSeconds = defaultHTTPTimeout
	}
	if c.Bot.OrderNotional <= 0 {
		c.Bot.OrderNotional = defaultOrderNotional
	}
	if c.Bot.Leverage <= 0 {
		c.Bot.Leverage = defaultLeverage
	}
	if c.Bot.StopLossPct <= 0 {
		c.Bot.StopLossPct = defaultStopLossPct
	}
	if c.Bot.TakeProfitPct <= 0 {
		c.Bot.TakeProfitPct = defaultTakeProfitPct
	}
	if c.Bot.Timeframe == "" {
		c.Bot.Timeframe = defaultTimeframe
	}
	if c.Bot.WindowSize <= 0 {
		c.Bot.WindowSize = defaultWindowSize
	}
	if c.Sweep.IntervalSeconds <= 0 {
		c.Sweep.IntervalSeconds = defaultSweepInterval
	}
	if c.Sweep.ErrorBackoffSeconds <= 0 {
		c.Sweep.ErrorBackoffSeconds = defaultSweepBackoff
	}
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Secrets.EncryptionKey) == "" {
		return fmt.Errorf("secrets.encryption_key is required")
	}
	if c.Bot.Leverage < 1 || c.Bot.Leverage > 125 {
		return fmt.Errorf("bot.leverage must be between 1 and 125")
	}
	if c.Bot.StopLossPct >= 100 {
		return fmt.Errorf("bot.stop_loss_pct must be below 100")
	}
	if !validTimeframe(c.Bot.Timeframe) {
		return fmt.Errorf("bot.timeframe %q is not a supported kline interval", c.Bot.Timeframe)
	}
	return nil
}

func validTimeframe(tf string) bool {
	switch tf {
	case "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d":
		return true
	}
	return false
}
