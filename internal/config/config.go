// Package config provides configuration management for the condor engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	defaultQuoteWait        = 5 * time.Second
	defaultFillWait         = 10 * time.Second
	defaultPollInterval     = 500 * time.Millisecond
	defaultCancelWait       = time.Second
	defaultMarketWait       = 5 * time.Second
	defaultExitPollInterval = 5 * time.Second
	defaultCallTimeout      = 5 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultGreeksTimeout    = 10 * time.Second
	defaultConnectMaxWait   = 2 * time.Minute

	defaultClientIDBase = 30
	defaultMaxRetries   = 3
	defaultStrikeWindow = 20
	defaultTimezone     = "America/New_York"
)

// Broker providers.
const (
	ProviderPaper   = "paper"
	ProviderTradier = "tradier"
)

var expiryPattern = regexp.MustCompile(`^\d{8}$`)

// Config represents the complete application configuration.
type Config struct {
	Environment      EnvironmentConfig         `yaml:"environment"`
	Broker           BrokerConfig              `yaml:"broker"`
	Schedule         ScheduleConfig            `yaml:"schedule"`
	Execution        ExecutionConfig           `yaml:"execution"`
	Journal          JournalConfig             `yaml:"journal"`
	Logging          LoggingConfig             `yaml:"logging"`
	Dashboard        DashboardConfig           `yaml:"dashboard"`
	Scanner          ScannerConfig             `yaml:"scanner"`
	Strategies       map[string]StrategyConfig `yaml:"strategies"`
	ActiveStrategies []string                  `yaml:"active_strategies"`
	ClientIDBase     int                       `yaml:"client_id_base"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode string `yaml:"mode"` // paper | live
}

// BrokerConfig defines venue settings.
type BrokerConfig struct {
	Provider  string   `yaml:"provider"` // paper | tradier
	APIKey    string   `yaml:"api_key"`
	AccountID string   `yaml:"account_id"`
	Endpoints []string `yaml:"endpoints"` // tried in order on connect
	Sandbox   bool     `yaml:"sandbox"`
	// QuotePollInterval is how often the REST adapter refreshes subscribed quotes.
	QuotePollInterval string          `yaml:"quote_poll_interval"`
	RateLimits        RateLimitConfig `yaml:"rate_limits"`
	Paper             PaperConfig     `yaml:"paper"`
}

// RateLimitConfig holds per-minute request budgets.
type RateLimitConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
}

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Spot       float64 `yaml:"spot"`
	StrikeStep float64 `yaml:"strike_step"`
	Vol        float64 `yaml:"vol"`
	HalfSpread float64 `yaml:"half_spread"`
}

// ScheduleConfig defines the timezone trade windows are expressed in.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"` // e.g., "America/New_York"
}

// ExecutionConfig holds order execution and supervision timings.
type ExecutionConfig struct {
	QuoteWait        string      `yaml:"quote_wait"`
	FillWait         string      `yaml:"fill_wait"`
	PollInterval     string      `yaml:"poll_interval"`
	CancelWait       string      `yaml:"cancel_wait"`
	MarketWait       string      `yaml:"market_wait"`
	ExitPollInterval string      `yaml:"exit_poll_interval"`
	CallTimeout      string      `yaml:"call_timeout"`
	ShutdownTimeout  string      `yaml:"shutdown_timeout"`
	ConnectMaxWait   string      `yaml:"connect_max_wait"`
	Retry            RetryConfig `yaml:"retry"`
}

// RetryConfig configures exit order placement retries.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	TotalTimeout   string `yaml:"total_timeout"`
}

// JournalConfig defines where trade journals are written.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig defines log level and per-strategy file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug | info | warn | error
	Dir        string `yaml:"dir"`   // empty disables file output
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	JSON       bool   `yaml:"json"`
}

// DashboardConfig defines the status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

// ScannerConfig defines the RSI watchlist scan.
type ScannerConfig struct {
	Symbols   []string `yaml:"symbols"`
	Period    int      `yaml:"period"`
	Lookback  int      `yaml:"lookback_days"`
	Threshold float64  `yaml:"threshold"`
}

// StrategyConfig is one iron condor strategy instance.
type StrategyConfig struct {
	Symbol         string `yaml:"symbol"`
	SecType        string `yaml:"sec_type"` // IND | STK
	Exchange       string `yaml:"exchange"`
	OptionExchange string `yaml:"option_exchange"` // defaults to exchange
	Currency       string `yaml:"currency"`
	TradingClass   string `yaml:"trading_class"`
	Expiry         string `yaml:"expiry"` // YYYYMMDD; empty selects the next listed expiry
	TradeStartTime string `yaml:"trade_start_time"`
	TradeEndTime   string `yaml:"trade_end_time"`
	GreeksTimeout  string `yaml:"greeks_timeout"`

	ShortCallDelta *float64 `yaml:"short_call_delta"`
	ShortPutDelta  *float64 `yaml:"short_put_delta"`
	LongCallDelta  *float64 `yaml:"long_call_delta"`
	LongPutDelta   *float64 `yaml:"long_put_delta"`

	Width            *float64 `yaml:"width"`
	RetryIntervalMin *float64 `yaml:"retry_interval_min"`
	MaxCapital       *float64 `yaml:"max_capital"`
	ProfitTarget     *float64 `yaml:"profit_target"`
	StopLoss         *float64 `yaml:"stop_loss"`
	PriceIncrement   *float64 `yaml:"price_increment"`
	FallbackPrice    float64  `yaml:"fallback_price"`

	StrikeWindow       int     `yaml:"strike_window"`
	StrikeRangePct     float64 `yaml:"strike_range_pct"`
	QualifyStrikes     bool    `yaml:"qualify_strikes"`
	DeltaWarnThreshold float64 `yaml:"delta_warn_threshold"`
	DeltaWarnFraction  float64 `yaml:"delta_warn_fraction"`
	Multiplier         int     `yaml:"multiplier"`
	MaxContracts       int     `yaml:"max_contracts"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file in the working directory, if present, is loaded first so that
// ${VAR} references can pick up secrets.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
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

// Validate checks that all configuration values are valid and consistent and
// fills in defaults for optional fields.
func (c *Config) Validate() error {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	switch c.Broker.Provider {
	case "", ProviderPaper:
		c.Broker.Provider = ProviderPaper
	case ProviderTradier:
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	default:
		return fmt.Errorf("broker.provider must be 'paper' or 'tradier'")
	}
	if c.Environment.Mode == "live" && c.Broker.Provider == ProviderPaper {
		return fmt.Errorf("environment.mode 'live' requires a real broker.provider")
	}
	if c.Broker.QuotePollInterval != "" {
		if _, err := time.ParseDuration(c.Broker.QuotePollInterval); err != nil {
			return fmt.Errorf("broker.quote_poll_interval invalid: %w", err)
		}
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}

	for name, s := range map[string]string{
		"quote_wait":            c.Execution.QuoteWait,
		"fill_wait":             c.Execution.FillWait,
		"poll_interval":         c.Execution.PollInterval,
		"cancel_wait":           c.Execution.CancelWait,
		"market_wait":           c.Execution.MarketWait,
		"exit_poll_interval":    c.Execution.ExitPollInterval,
		"call_timeout":          c.Execution.CallTimeout,
		"shutdown_timeout":      c.Execution.ShutdownTimeout,
		"connect_max_wait":      c.Execution.ConnectMaxWait,
		"retry.initial_backoff": c.Execution.Retry.InitialBackoff,
		"retry.max_backoff":     c.Execution.Retry.MaxBackoff,
		"retry.total_timeout":   c.Execution.Retry.TotalTimeout,
	} {
		if s == "" {
			continue
		}
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			return fmt.Errorf("execution.%s must be a positive duration", name)
		}
	}

	if c.Journal.Dir == "" {
		c.Journal.Dir = "journals"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}
	if c.ClientIDBase <= 0 {
		c.ClientIDBase = defaultClientIDBase
	}

	if len(c.ActiveStrategies) == 0 {
		return fmt.Errorf("active_strategies must name at least one strategy")
	}
	seen := make(map[string]bool, len(c.ActiveStrategies))
	for _, name := range c.ActiveStrategies {
		if seen[name] {
			return fmt.Errorf("active_strategies lists %q twice", name)
		}
		seen[name] = true
		s, ok := c.Strategies[name]
		if !ok {
			return fmt.Errorf("active_strategies: %q is not defined under strategies", name)
		}
		if err := s.validate("strategies." + name); err != nil {
			return err
		}
		s.normalize()
		c.Strategies[name] = s
	}
	return nil
}

func (s *StrategyConfig) validate(path string) error {
	required := func(field string, ok bool) error {
		if !ok {
			return fmt.Errorf("%s.%s is required", path, field)
		}
		return nil
	}
	if err := errors.Join(
		required("symbol", s.Symbol != ""),
		required("sec_type", s.SecType != ""),
		required("exchange", s.Exchange != ""),
		required("currency", s.Currency != ""),
		required("multiplier", s.Multiplier != 0),
		required("trading_class", s.TradingClass != ""),
		required("short_call_delta", s.ShortCallDelta != nil),
		required("short_put_delta", s.ShortPutDelta != nil),
		required("width", s.Width != nil),
		required("retry_interval_min", s.RetryIntervalMin != nil),
		required("trade_start_time", s.TradeStartTime != ""),
		required("trade_end_time", s.TradeEndTime != ""),
		required("max_capital", s.MaxCapital != nil),
		required("profit_target", s.ProfitTarget != nil),
		required("stop_loss", s.StopLoss != nil),
		required("price_increment", s.PriceIncrement != nil),
	); err != nil {
		return err
	}

	switch s.SecType {
	case "IND", "INDX", "STK":
	default:
		return fmt.Errorf("%s.sec_type must be IND or STK", path)
	}
	if s.Multiplier < 0 {
		return fmt.Errorf("%s.multiplier must be > 0", path)
	}
	for _, f := range []struct {
		name string
		d    *float64
		put  bool
	}{
		{"short_call_delta", s.ShortCallDelta, false},
		{"short_put_delta", s.ShortPutDelta, true},
		{"long_call_delta", s.LongCallDelta, false},
		{"long_put_delta", s.LongPutDelta, true},
	} {
		if f.d == nil {
			continue
		}
		if *f.d < -1 || *f.d > 1 || *f.d == 0 {
			return fmt.Errorf("%s.%s must be a non-zero delta within [-1,1]", path, f.name)
		}
		if f.put != (*f.d < 0) {
			sign := "positive"
			if f.put {
				sign = "negative"
			}
			return fmt.Errorf("%s.%s must be %s", path, f.name, sign)
		}
	}
	if *s.Width < 0 {
		return fmt.Errorf("%s.width must be >= 0", path)
	}
	if (s.LongCallDelta == nil || s.LongPutDelta == nil) && *s.Width == 0 {
		return fmt.Errorf("%s.width must be > 0 when a long delta is not set", path)
	}
	if *s.RetryIntervalMin <= 0 {
		return fmt.Errorf("%s.retry_interval_min must be > 0", path)
	}
	if s.Expiry != "" && !expiryPattern.MatchString(s.Expiry) {
		return fmt.Errorf("%s.expiry must be YYYYMMDD", path)
	}
	if _, err := ParseClock(s.TradeStartTime); err != nil {
		return fmt.Errorf("%s.trade_start_time: %w", path, err)
	}
	if _, err := ParseClock(s.TradeEndTime); err != nil {
		return fmt.Errorf("%s.trade_end_time: %w", path, err)
	}
	if *s.MaxCapital <= 0 {
		return fmt.Errorf("%s.max_capital must be > 0", path)
	}
	if *s.ProfitTarget <= 0 || *s.ProfitTarget >= 1 {
		return fmt.Errorf("%s.profit_target must be in (0,1)", path)
	}
	if *s.StopLoss <= 0 {
		return fmt.Errorf("%s.stop_loss must be > 0", path)
	}
	if *s.PriceIncrement <= 0 {
		return fmt.Errorf("%s.price_increment must be > 0", path)
	}
	if s.FallbackPrice < 0 {
		return fmt.Errorf("%s.fallback_price must be >= 0", path)
	}
	if s.StrikeRangePct < 0 || s.StrikeRangePct >= 1 {
		return fmt.Errorf("%s.strike_range_pct must be in [0,1)", path)
	}
	if s.DeltaWarnFraction < 0 || s.DeltaWarnFraction > 1 {
		return fmt.Errorf("%s.delta_warn_fraction must be in [0,1]", path)
	}
	if s.GreeksTimeout != "" {
		if d, err := time.ParseDuration(s.GreeksTimeout); err != nil || d <= 0 {
			return fmt.Errorf("%s.greeks_timeout must be a positive duration", path)
		}
	}
	return nil
}

func (s *StrategyConfig) normalize() {
	if s.SecType == "INDX" {
		s.SecType = "IND"
	}
	if s.OptionExchange == "" {
		s.OptionExchange = s.Exchange
	}
	if s.StrikeWindow <= 0 {
		s.StrikeWindow = defaultStrikeWindow
	}
}

// IsPaperTrading returns true if orders go to the simulated venue.
func (c *Config) IsPaperTrading() bool {
	return c.Broker.Provider == ProviderPaper
}

// Location returns the schedule timezone, falling back to New York and then
// to a fixed ET offset on hosts without zoneinfo.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Active returns the active strategies in configuration order.
func (c *Config) Active() []NamedStrategy {
	out := make([]NamedStrategy, 0, len(c.ActiveStrategies))
	for _, name := range c.ActiveStrategies {
		out = append(out, NamedStrategy{Name: name, StrategyConfig: c.Strategies[name]})
	}
	return out
}

// StrategyNames lists every defined strategy, sorted.
func (c *Config) StrategyNames() []string {
	names := make([]string, 0, len(c.Strategies))
	for name := range c.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamedStrategy pairs a strategy with its configuration key.
type NamedStrategy struct {
	Name string
	StrategyConfig
}

// Timings are the parsed execution settings with defaults applied.
type Timings struct {
	QuoteWait        time.Duration
	FillWait         time.Duration
	PollInterval     time.Duration
	CancelWait       time.Duration
	MarketWait       time.Duration
	ExitPollInterval time.Duration
	CallTimeout      time.Duration
	ShutdownTimeout  time.Duration
	ConnectMaxWait   time.Duration
}

// GetTimings returns execution timings, falling back to defaults for unset
// values.
func (c *Config) GetTimings() Timings {
	e := c.Execution
	return Timings{
		QuoteWait:        duration(e.QuoteWait, defaultQuoteWait),
		FillWait:         duration(e.FillWait, defaultFillWait),
		PollInterval:     duration(e.PollInterval, defaultPollInterval),
		CancelWait:       duration(e.CancelWait, defaultCancelWait),
		MarketWait:       duration(e.MarketWait, defaultMarketWait),
		ExitPollInterval: duration(e.ExitPollInterval, defaultExitPollInterval),
		CallTimeout:      duration(e.CallTimeout, defaultCallTimeout),
		ShutdownTimeout:  duration(e.ShutdownTimeout, defaultShutdownTimeout),
		ConnectMaxWait:   duration(e.ConnectMaxWait, defaultConnectMaxWait),
	}
}

// GetQuotePollInterval returns the REST quote refresh period, zero when unset.
func (c *Config) GetQuotePollInterval() time.Duration {
	return duration(c.Broker.QuotePollInterval, 0)
}

// GetGreeksTimeout returns how long selection waits for model deltas.
func (s StrategyConfig) GetGreeksTimeout() time.Duration {
	return duration(s.GreeksTimeout, defaultGreeksTimeout)
}

// RetryInterval is the cool-down between entry attempts.
func (s StrategyConfig) RetryInterval() time.Duration {
	if s.RetryIntervalMin == nil {
		return 0
	}
	return time.Duration(*s.RetryIntervalMin * float64(time.Minute))
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RetryTimings are the parsed exit placement retry settings. Zero durations
// mean unset.
type RetryTimings struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TotalTimeout   time.Duration
}

// GetRetry returns the exit placement retry settings.
func (c *Config) GetRetry() RetryTimings {
	r := c.Execution.Retry
	out := RetryTimings{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: duration(r.InitialBackoff, 0),
		MaxBackoff:     duration(r.MaxBackoff, 0),
		TotalTimeout:   duration(r.TotalTimeout, 0),
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	return out
}
