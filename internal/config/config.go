package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Bybit    Bybit    `mapstructure:"bybit"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Events   Events   `mapstructure:"events"`
}

// Bybit holds the configuration for the Bybit API.
// API credentials live in the ledger (per-bot api keys), not here.
type Bybit struct {
	Testnet        bool    `mapstructure:"testnet"`
	RecvWindow     string  `mapstructure:"recv_window"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	InstrumentTTL  int     `mapstructure:"instrument_ttl_seconds"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds defaults applied when neither the alert nor the bot
// specifies a value.
type Trading struct {
	DefaultQuantity float64 `mapstructure:"default_quantity"`
	MarketFeeRate   float64 `mapstructure:"market_fee_rate"`
	LimitFeeRate    float64 `mapstructure:"limit_fee_rate"`
	QtyDecimals     int     `mapstructure:"qty_decimals"`
}

// Events holds the configuration for the domain event publisher.
// An empty NatsURL disables publishing; events still go to the log.
type Events struct {
	NatsURL     string `mapstructure:"nats_url"`
	NatsSubject string `mapstructure:"nats_subject"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("bybit.recv_window", "5000")
	viper.SetDefault("bybit.rate_limit", 20)      // requests per second
	viper.SetDefault("bybit.rate_limit_burst", 5) // burst size
	viper.SetDefault("bybit.instrument_ttl_seconds", 300)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.request_timeout_seconds", 30)
	viper.SetDefault("trading.default_quantity", 0.001)
	viper.SetDefault("trading.market_fee_rate", 0.00055)
	viper.SetDefault("trading.limit_fee_rate", 0.0002)
	viper.SetDefault("trading.qty_decimals", 3)
	viper.SetDefault("events.nats_subject", "trading.events")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
