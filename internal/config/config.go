// Package config loads the application configuration from environment
// variables and an optional YAML file. Limits that used to live in ambient
// global settings are explicit here and passed into services at construction.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// GamblingConfig carries bet and game limits.
type GamblingConfig struct {
	MinBetAmount         decimal.Decimal
	MaxBetAmount         decimal.Decimal
	MinFee               decimal.Decimal
	MinFeePercentage     decimal.Decimal
	MaxFeePercentage     decimal.Decimal
	DefaultFeePercentage decimal.Decimal
	MinGameDuration      time.Duration
	MaxGameDuration      time.Duration
	RetentionWindow      time.Duration // settled games older than this are eligible for cleanup
}

// WithdrawalConfig carries external fund movement settings.
type WithdrawalConfig struct {
	FeePercentage         decimal.Decimal
	MinFee                decimal.Decimal
	NetworkMinimums       map[string]decimal.Decimal
	ConfirmationThreshold int
	ProcessingTimeout     time.Duration // processing requests older than this are reconciled against the chain
	StaleAge              time.Duration // pending requests older than this are cancelled
	MaxRetries            int
	RetryBackoff          time.Duration
}

// Config is the root application configuration.
type Config struct {
	Database struct {
		DSN             string
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime int // seconds
	}
	Redis struct {
		Address  string
		Password string
		DB       int
	}
	Gambling   GamblingConfig
	Withdrawal WithdrawalConfig
	LogLevel   string
}

// Load reads configuration with code defaults, overridden by an optional
// config file and BETCORE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BETCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("gambling.min_bet_amount", "0.00000001")
	v.SetDefault("gambling.max_bet_amount", "1.00000000")
	v.SetDefault("gambling.min_fee", "0.00000001")
	v.SetDefault("gambling.min_fee_percentage", "0.1")
	v.SetDefault("gambling.max_fee_percentage", "10.0")
	v.SetDefault("gambling.default_fee_percentage", "2.0")
	v.SetDefault("gambling.min_game_duration", "5m")
	v.SetDefault("gambling.max_game_duration", "24h")
	v.SetDefault("gambling.retention_window", "720h")

	v.SetDefault("withdrawal.fee_percentage", "0.5")
	v.SetDefault("withdrawal.min_fee", "0.0001")
	v.SetDefault("withdrawal.network_minimums", map[string]string{
		"BTC":  "0.001",
		"ETH":  "0.01",
		"USDT": "10",
	})
	v.SetDefault("withdrawal.confirmation_threshold", 3)
	v.SetDefault("withdrawal.processing_timeout", "30m")
	v.SetDefault("withdrawal.stale_age", "720h")
	v.SetDefault("withdrawal.max_retries", 5)
	v.SetDefault("withdrawal.retry_backoff", "2s")

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	cfg.LogLevel = v.GetString("log_level")
	cfg.Database.DSN = v.GetString("database.dsn")
	cfg.Database.MaxOpenConns = v.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = v.GetInt("database.max_idle_conns")
	cfg.Database.ConnMaxLifetime = v.GetInt("database.conn_max_lifetime")
	cfg.Redis.Address = v.GetString("redis.address")
	cfg.Redis.Password = v.GetString("redis.password")
	cfg.Redis.DB = v.GetInt("redis.db")

	var err error
	g := &cfg.Gambling
	if g.MinBetAmount, err = decimal.NewFromString(v.GetString("gambling.min_bet_amount")); err != nil {
		return nil, fmt.Errorf("invalid gambling.min_bet_amount: %w", err)
	}
	if g.MaxBetAmount, err = decimal.NewFromString(v.GetString("gambling.max_bet_amount")); err != nil {
		return nil, fmt.Errorf("invalid gambling.max_bet_amount: %w", err)
	}
	if g.MinFee, err = decimal.NewFromString(v.GetString("gambling.min_fee")); err != nil {
		return nil, fmt.Errorf("invalid gambling.min_fee: %w", err)
	}
	if g.MinFeePercentage, err = decimal.NewFromString(v.GetString("gambling.min_fee_percentage")); err != nil {
		return nil, fmt.Errorf("invalid gambling.min_fee_percentage: %w", err)
	}
	if g.MaxFeePercentage, err = decimal.NewFromString(v.GetString("gambling.max_fee_percentage")); err != nil {
		return nil, fmt.Errorf("invalid gambling.max_fee_percentage: %w", err)
	}
	if g.DefaultFeePercentage, err = decimal.NewFromString(v.GetString("gambling.default_fee_percentage")); err != nil {
		return nil, fmt.Errorf("invalid gambling.default_fee_percentage: %w", err)
	}
	g.MinGameDuration = v.GetDuration("gambling.min_game_duration")
	g.MaxGameDuration = v.GetDuration("gambling.max_game_duration")
	g.RetentionWindow = v.GetDuration("gambling.retention_window")

	w := &cfg.Withdrawal
	if w.FeePercentage, err = decimal.NewFromString(v.GetString("withdrawal.fee_percentage")); err != nil {
		return nil, fmt.Errorf("invalid withdrawal.fee_percentage: %w", err)
	}
	if w.MinFee, err = decimal.NewFromString(v.GetString("withdrawal.min_fee")); err != nil {
		return nil, fmt.Errorf("invalid withdrawal.min_fee: %w", err)
	}
	// viper lowercases map keys; network names are stored uppercase
	w.NetworkMinimums = make(map[string]decimal.Decimal)
	for network, raw := range v.GetStringMapString("withdrawal.network_minimums") {
		min, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid withdrawal minimum for %s: %w", network, err)
		}
		w.NetworkMinimums[strings.ToUpper(network)] = min
	}
	w.ConfirmationThreshold = v.GetInt("withdrawal.confirmation_threshold")
	w.ProcessingTimeout = v.GetDuration("withdrawal.processing_timeout")
	w.StaleAge = v.GetDuration("withdrawal.stale_age")
	w.MaxRetries = v.GetInt("withdrawal.max_retries")
	w.RetryBackoff = v.GetDuration("withdrawal.retry_backoff")

	return cfg, nil
}
