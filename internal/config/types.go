package config

// Config is the flipbot process configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Binance  BinanceConfig  `yaml:"binance"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Bot      BotConfig      `yaml:"bot"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
	HTTPAddr string `yaml:"http_addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BinanceConfig struct {
	RESTBaseURL        string `yaml:"rest_base_url"`
	TestnetRESTBaseURL string `yaml:"testnet_rest_base_url"`
	WSBaseURL          string `yaml:"ws_base_url"`
	TestnetWSBaseURL   string `yaml:"testnet_ws_base_url"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
}

type SecretsConfig struct {
	// EncryptionKey is the base64-encoded 32-byte key protecting tenant
	// API credentials at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

// BotConfig holds per-tenant trading defaults, applied where the tenant's
// own record leaves a field unset.
type BotConfig struct {
	OrderNotional float64 `yaml:"order_notional"`
	Leverage      int     `yaml:"leverage"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	Timeframe     string  `yaml:"timeframe"`
	WindowSize    int     `yaml:"window_size"`
}

type SweepConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	ErrorBackoffSeconds int `yaml:"error_backoff_seconds"`
}
