// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rmehra/optionflow/internal/broker"
	"github.com/rmehra/optionflow/internal/executor"
	"github.com/rmehra/optionflow/internal/positions"
	"github.com/rmehra/optionflow/internal/selector"
)

const (
	// defaultMonitorInterval is used when monitor.interval is unset.
	defaultMonitorInterval = 5 * time.Second
	// defaultQuoteTimeout is used when monitor.quote_timeout is unset.
	defaultQuoteTimeout = 3 * time.Second
	// defaultRiskFreeRate is used when pricing.risk_free_rate is unset.
	defaultRiskFreeRate = 0.065
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     executor.Config   `yaml:"trading"`
	Strikes     selector.Config   `yaml:"strike_selection"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     broker.TradeMode `yaml:"mode"`      // logging | paper | live
	LogLevel string           `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string  `yaml:"provider"` // sim | zerodha
	APIKey      string  `yaml:"api_key"`
	APISecret   string  `yaml:"api_secret"`
	APIEndpoint string  `yaml:"api_endpoint"`
	Exchange    string  `yaml:"exchange"`
	StrikeStep  float64 `yaml:"strike_step"`
	// LotSizes maps underlyings to their contract lot size.
	LotSizes map[string]int `yaml:"lot_sizes"`
}

// MonitorConfig defines the position monitor loop settings and exit
// rules. Mirrors positions.Config with yaml-friendly durations.
type MonitorConfig struct {
	Interval       string                         `yaml:"interval"`      // e.g. "5s"
	QuoteTimeout   string                         `yaml:"quote_timeout"` // e.g. "3s"
	MaxHoldHours   float64                        `yaml:"max_hold_hours"`
	TrailStop      positions.TrailStopConfig      `yaml:"trail_stop"`
	PartialBooking positions.PartialBookingConfig `yaml:"partial_booking"`
}

// PricingConfig defines Black-Scholes inputs.
type PricingConfig struct {
	RiskFreeRate float64 `yaml:"risk_free_rate"` // annual, decimal
}

// StorageConfig defines persistence paths.
type StorageConfig struct {
	Path               string `yaml:"path"`
	SignalFallbackPath string `yaml:"signal_fallback_path"`
}

// DashboardConfig defines the HTTP status dashboard settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"` // empty disables auth
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and
// consistent, applying defaults for optional fields.
func (c *Config) Validate() error {
	// Environment validation
	if !c.Environment.Mode.Valid() {
		return fmt.Errorf("environment.mode must be 'logging', 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.Provider == "" {
		c.Broker.Provider = "sim"
	}
	if c.Environment.Mode == broker.ModeLive {
		if c.Broker.Provider == "sim" {
			return fmt.Errorf("environment.mode 'live' requires a real broker provider")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "NFO"
	}
	if c.Broker.StrikeStep <= 0 {
		c.Broker.StrikeStep = 100
	}

	// Trading validation
	if c.Trading.Enabled {
		if c.Trading.MinSignalStrength < 0 || c.Trading.MinSignalStrength > 10 {
			return fmt.Errorf("trading.min_signal_strength must be within [0,10]")
		}
		if c.Trading.MinExpectedMovePct < 0 {
			return fmt.Errorf("trading.min_expected_move_pct must be >= 0")
		}
		if c.Trading.MaxConcurrentPositions <= 0 {
			return fmt.Errorf("trading.max_concurrent_positions must be > 0")
		}
		if c.Trading.MaxLotsPerTrade <= 0 {
			return fmt.Errorf("trading.max_lots_per_trade must be > 0")
		}
		if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 100 {
			return fmt.Errorf("trading.stop_loss_pct must be in (0,100)")
		}
		if c.Trading.TargetPct <= 0 {
			return fmt.Errorf("trading.target_pct must be > 0")
		}
	}

	// Strike selection validation
	switch c.Strikes.Preference {
	case selector.PreferITM, selector.PreferATM, selector.PreferOTM:
	case "":
		c.Strikes.Preference = selector.PreferATM
	default:
		return fmt.Errorf("strike_selection.preference must be ITM, ATM or OTM")
	}
	if c.Strikes.OffsetPct < 0 {
		return fmt.Errorf("strike_selection.offset_pct must be >= 0")
	}
	if c.Strikes.Filters.MaxPremium <= 0 {
		return fmt.Errorf("strike_selection.filters.max_premium must be > 0")
	}
	if c.Strikes.Filters.MinPremium < 0 || c.Strikes.Filters.MinPremium >= c.Strikes.Filters.MaxPremium {
		return fmt.Errorf("strike_selection.filters.min_premium must be in [0, max_premium)")
	}
	if c.Strikes.Filters.MinDaysToExpiry < 0 ||
		c.Strikes.Filters.MinDaysToExpiry > c.Strikes.Filters.MaxDaysToExpiry {
		return fmt.Errorf("strike_selection.filters days-to-expiry range invalid")
	}
	if c.Strikes.MinDelta < 0 || c.Strikes.MinDelta > 1 {
		return fmt.Errorf("strike_selection.min_delta must be within [0,1]")
	}
	if c.Strikes.StrikeInterval == 0 {
		c.Strikes.StrikeInterval = c.Broker.StrikeStep
	}

	// Monitor validation
	if c.Monitor.Interval == "" {
		c.Monitor.Interval = defaultMonitorInterval.String()
	}
	if _, err := time.ParseDuration(c.Monitor.Interval); err != nil {
		return fmt.Errorf("monitor.interval invalid: %w", err)
	}
	if c.Monitor.QuoteTimeout == "" {
		c.Monitor.QuoteTimeout = defaultQuoteTimeout.String()
	}
	if _, err := time.ParseDuration(c.Monitor.QuoteTimeout); err != nil {
		return fmt.Errorf("monitor.quote_timeout invalid: %w", err)
	}
	if c.Monitor.MaxHoldHours < 0 {
		return fmt.Errorf("monitor.max_hold_hours must be >= 0")
	}
	if c.Monitor.TrailStop.Enabled {
		if c.Monitor.TrailStop.TrailAfterProfitPct <= 0 {
			return fmt.Errorf("monitor.trail_stop.trail_after_profit_pct must be > 0")
		}
		if c.Monitor.TrailStop.TrailPercentage <= 0 || c.Monitor.TrailStop.TrailPercentage >= 100 {
			return fmt.Errorf("monitor.trail_stop.trail_percentage must be in (0,100)")
		}
	}
	if c.Monitor.PartialBooking.Enabled {
		if c.Monitor.PartialBooking.AtProfitPct <= 0 {
			return fmt.Errorf("monitor.partial_booking.at_profit_pct must be > 0")
		}
		if c.Monitor.PartialBooking.SizePct <= 0 || c.Monitor.PartialBooking.SizePct >= 100 {
			return fmt.Errorf("monitor.partial_booking.size_pct must be in (0,100)")
		}
	}

	// Pricing defaults
	if c.Pricing.RiskFreeRate == 0 {
		c.Pricing.RiskFreeRate = defaultRiskFreeRate
	}
	if c.Pricing.RiskFreeRate < 0 || c.Pricing.RiskFreeRate > 0.25 {
		return fmt.Errorf("pricing.risk_free_rate must be within [0,0.25]")
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8080"
	}

	return nil
}

// MonitorInterval returns the parsed monitor loop interval.
func (c *Config) MonitorInterval() time.Duration {
	d, err := time.ParseDuration(c.Monitor.Interval)
	if err != nil {
		return defaultMonitorInterval
	}
	return d
}

// QuoteTimeout returns the parsed per-quote timeout.
func (c *Config) QuoteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Monitor.QuoteTimeout)
	if err != nil {
		return defaultQuoteTimeout
	}
	return d
}

// PositionsConfig assembles the position manager configuration.
func (c *Config) PositionsConfig() positions.Config {
	return positions.Config{
		MonitorInterval: c.MonitorInterval(),
		QuoteTimeout:    c.QuoteTimeout(),
		MaxHoldHours:    c.Monitor.MaxHoldHours,
		TrailStop:       c.Monitor.TrailStop,
		PartialBooking:  c.Monitor.PartialBooking,
	}
}
