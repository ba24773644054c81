// Package config handles loading and validating fxpilot configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. A loaded Config is treated as
// immutable; reload produces a fresh value.
type Config struct {
	App         AppConfig          `yaml:"app"`
	Broker      BrokerConfig       `yaml:"broker"`
	Engine      EngineConfig       `yaml:"engine"`
	Thresholds  ThresholdConfig    `yaml:"thresholds"`
	Strategies  []StrategyConfig   `yaml:"strategies"`
	Accounts    []AccountConfig    `yaml:"accounts"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Sessions    []SessionConfig    `yaml:"sessions"`
	Calendar    CalendarConfig     `yaml:"calendar"`
	Protection  ProtectionConfig   `yaml:"protection"`
	Cache       CacheConfig        `yaml:"cache"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Journal     JournalConfig      `yaml:"journal"`
	API         APIConfig          `yaml:"api"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env                string `yaml:"env"`
	LogLevel           string `yaml:"logLevel"`
	LogFile            string `yaml:"logFile"`
	EnvFile            string `yaml:"envFile"`
	TradingDayTimezone string `yaml:"tradingDayTimezone"`
}

// BrokerConfig selects and tunes the broker adapter.
type BrokerConfig struct {
	Kind              string        `yaml:"kind"`
	Environment       string        `yaml:"environment"`
	TokenEnv          string        `yaml:"tokenEnv"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        *int          `yaml:"maxRetries"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`

	// Token is resolved from TokenEnv at load time and never read from YAML.
	Token string `yaml:"-"`
}

// Retry bounds for broker calls. An explicit zero disables retries.
const (
	DefaultMaxRetries = 2
	MaxRetriesLimit   = 2
)

// Retries returns the configured retry count, or the default when unset.
func (b BrokerConfig) Retries() int {
	if b.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *b.MaxRetries
}

// EngineConfig holds periodic task cadence and data fetch settings.
type EngineConfig struct {
	ScanInterval     time.Duration `yaml:"scanInterval"`
	MonitorInterval  time.Duration `yaml:"monitorInterval"`
	AdaptiveInterval time.Duration `yaml:"adaptiveInterval"`
	Workers          int           `yaml:"workers"`
	Granularity      string        `yaml:"granularity"`
	HistoryCount     int           `yaml:"historyCount"`
	HistoryCap       int           `yaml:"historyCap"`
	MaxQuoteAge      time.Duration `yaml:"maxQuoteAge"`
	ShutdownGrace    time.Duration `yaml:"shutdownGrace"`
	DecisionLog      int           `yaml:"decisionLog"`
}

// Threshold modes and step modes.
const (
	ThresholdModePerStrategy = "per_strategy"
	ThresholdModeUniform     = "uniform"
	StepModeFixed            = "fixed"
	StepModeScaled           = "scaled"
)

// ThresholdConfig bounds and tunes the adaptive quality thresholds.
type ThresholdConfig struct {
	Mode         string        `yaml:"mode"`
	Default      float64       `yaml:"default"`
	Floor        float64       `yaml:"floor"`
	Ceiling      float64       `yaml:"ceiling"`
	Step         float64       `yaml:"step"`
	StepMode     string        `yaml:"stepMode"`
	Quiescence   time.Duration `yaml:"quiescence"`
	WinRateFloor float64       `yaml:"winRateFloor"`
	MinSample    int           `yaml:"minSample"`
	SampleSize   int           `yaml:"sampleSize"`
}

// StrategyConfig binds a named strategy instance to an evaluator kind.
type StrategyConfig struct {
	Name              string             `yaml:"name"`
	Kind              string             `yaml:"kind"`
	Instruments       []string           `yaml:"instruments"`
	SessionRestricted bool               `yaml:"sessionRestricted"`
	MinHistory        int                `yaml:"minHistory"`
	MaxSpreadPips     float64            `yaml:"maxSpreadPips"`
	Threshold         float64            `yaml:"threshold"`
	Granularity       string             `yaml:"granularity"`
	Params            map[string]float64 `yaml:"params"`
}

// Param returns a named numeric parameter or def when unset.
func (s StrategyConfig) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// AccountConfig describes one broker account and its limits.
type AccountConfig struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Active      *bool      `yaml:"active"`
	Currency    string     `yaml:"currency"`
	Strategies  []string   `yaml:"strategies"`
	Instruments []string   `yaml:"instruments"`
	Risk        RiskLimits `yaml:"risk"`
}

// IsActive reports the configured active flag, defaulting to true.
func (a AccountConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// TradesInstrument reports whether instrument is in the account's list.
func (a AccountConfig) TradesInstrument(instrument string) bool {
	for _, i := range a.Instruments {
		if i == instrument {
			return true
		}
	}
	return false
}

// RiskLimits are per-account risk settings, expressed in percent of balance.
type RiskLimits struct {
	MaxRiskPerTradePct  float64 `yaml:"maxRiskPerTradePct"`
	DailyRiskCapPct     float64 `yaml:"dailyRiskCapPct"`
	MaxOpenPositions    int     `yaml:"maxOpenPositions"`
	DailyTradeCap       int     `yaml:"dailyTradeCap"`
	MaxDailyDrawdownPct float64 `yaml:"maxDailyDrawdownPct"`
	MaxTotalDrawdownPct float64 `yaml:"maxTotalDrawdownPct"`
}

// InstrumentConfig overrides built-in instrument metadata.
type InstrumentConfig struct {
	Name             string  `yaml:"name"`
	PipLocation      int     `yaml:"pipLocation"`
	DisplayPrecision int     `yaml:"displayPrecision"`
	MaxSpreadPips    float64 `yaml:"maxSpreadPips"`
	MinATRPips       float64 `yaml:"minAtrPips"`
	MaxUnits         float64 `yaml:"maxUnits"`
}

// SessionConfig is a named trading session window in UTC, HH:MM.
type SessionConfig struct {
	Name       string   `yaml:"name"`
	Start      string   `yaml:"start"`
	End        string   `yaml:"end"`
	Currencies []string `yaml:"currencies"`
}

// Window returns the session bounds as minutes after UTC midnight.
func (s SessionConfig) Window() (start, end int, err error) {
	if start, err = parseClock(s.Start); err != nil {
		return 0, 0, fmt.Errorf("session %s start: %w", s.Name, err)
	}
	if end, err = parseClock(s.End); err != nil {
		return 0, 0, fmt.Errorf("session %s end: %w", s.Name, err)
	}
	return start, end, nil
}

// CalendarConfig is the economic-event calendar used for blackouts.
type CalendarConfig struct {
	BlackoutMinutes int           `yaml:"blackoutMinutes"`
	Events          []EventConfig `yaml:"events"`
}

// EventConfig is one scheduled economic event.
type EventConfig struct {
	Time       time.Time `yaml:"time"`
	Currencies []string  `yaml:"currencies"`
	Impact     string    `yaml:"impact"`
	Title      string    `yaml:"title"`
}

// ProtectionConfig holds the profit-protection thresholds, in pips.
type ProtectionConfig struct {
	BreakevenPips          float64       `yaml:"breakevenPips"`
	BufferPips             float64       `yaml:"bufferPips"`
	PartialPips            float64       `yaml:"partialPips"`
	PartialFraction        float64       `yaml:"partialFraction"`
	TrailingActivationPips float64       `yaml:"trailingActivationPips"`
	TrailingDistancePips   float64       `yaml:"trailingDistancePips"`
	MaxHold                time.Duration `yaml:"maxHold"`
	TightenPips            float64       `yaml:"tightenPips"`
}

// CacheConfig configures the optional Redis candle cache.
type CacheConfig struct {
	RedisAddr        string        `yaml:"redisAddr"`
	RedisPasswordEnv string        `yaml:"redisPasswordEnv"`
	RedisDB          int           `yaml:"redisDb"`
	TTL              time.Duration `yaml:"ttl"`

	RedisPassword string `yaml:"-"`
}

// LedgerConfig selects the execution ledger database.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// JournalConfig configures the SQLite event journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig holds status API server settings.
type APIConfig struct {
	ListenAddress string `yaml:"listenAddress"`
	JwtSecretEnv  string `yaml:"jwtSecretEnv"`

	JwtSecret string `yaml:"-"`
}

// Load reads and parses a YAML configuration file, loads credentials from the
// environment (optionally seeded from an env file) and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults and secrets applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("setting config defaults: %w", err)
	}

	if err := cfg.loadSecrets(); err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	return &cfg, nil
}

// loadSecrets reads the env file (if present) without overriding variables
// already set in the process environment.
func (c *Config) loadSecrets() error {
	if c.App.EnvFile != "" {
		if err := godotenv.Load(c.App.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading env file %s: %w", c.App.EnvFile, err)
		}
	}
	c.Broker.Token = os.Getenv(c.Broker.TokenEnv)
	c.API.JwtSecret = os.Getenv(c.API.JwtSecretEnv)
	if c.Cache.RedisPasswordEnv != "" {
		c.Cache.RedisPassword = os.Getenv(c.Cache.RedisPasswordEnv)
	}
	return nil
}

// setDefaults applies sensible defaults for optional fields.
func (c *Config) setDefaults() error {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.EnvFile == "" {
		c.App.EnvFile = ".env"
	}
	if c.App.TradingDayTimezone == "" {
		c.App.TradingDayTimezone = "UTC"
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.Environment == "" {
		c.Broker.Environment = "practice"
	}
	if c.Broker.TokenEnv == "" {
		c.Broker.TokenEnv = "OANDA_API_TOKEN"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.Broker.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Broker.MaxRetries = &n
	}
	if c.Broker.RetryBackoff == 0 {
		c.Broker.RetryBackoff = 500 * time.Millisecond
	}
	if c.Broker.RequestsPerSecond == 0 {
		c.Broker.RequestsPerSecond = 20
	}

	if c.Engine.ScanInterval == 0 {
		c.Engine.ScanInterval = time.Minute
	}
	if c.Engine.MonitorInterval == 0 {
		c.Engine.MonitorInterval = 10 * time.Second
	}
	if c.Engine.AdaptiveInterval == 0 {
		c.Engine.AdaptiveInterval = 30 * time.Minute
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 1
	}
	if c.Engine.Granularity == "" {
		c.Engine.Granularity = "M5"
	}
	if c.Engine.HistoryCount == 0 {
		c.Engine.HistoryCount = 200
	}
	if c.Engine.HistoryCap == 0 {
		c.Engine.HistoryCap = 500
	}
	if c.Engine.MaxQuoteAge == 0 {
		c.Engine.MaxQuoteAge = 30 * time.Second
	}
	if c.Engine.ShutdownGrace == 0 {
		c.Engine.ShutdownGrace = 15 * time.Second
	}
	if c.Engine.DecisionLog == 0 {
		c.Engine.DecisionLog = 100
	}

	t := &c.Thresholds
	if t.Mode == "" {
		t.Mode = ThresholdModePerStrategy
	}
	if t.Floor == 0 {
		t.Floor = 60
	}
	if t.Ceiling == 0 {
		t.Ceiling = 80
	}
	if t.Default == 0 {
		t.Default = 70
	}
	if t.Step == 0 {
		t.Step = 2
	}
	if t.StepMode == "" {
		t.StepMode = StepModeFixed
	}
	if t.Quiescence == 0 {
		t.Quiescence = time.Hour
	}
	if t.WinRateFloor == 0 {
		t.WinRateFloor = 0.4
	}
	if t.MinSample == 0 {
		t.MinSample = 10
	}
	if t.SampleSize == 0 {
		t.SampleSize = 20
	}

	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Granularity == "" {
			s.Granularity = c.Engine.Granularity
		}
		if s.Threshold == 0 {
			s.Threshold = t.Default
		}
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Currency == "" {
			a.Currency = "USD"
		}
		r := &a.Risk
		if r.MaxRiskPerTradePct == 0 {
			r.MaxRiskPerTradePct = 1
		}
		if r.DailyRiskCapPct == 0 {
			r.DailyRiskCapPct = 3
		}
		if r.MaxOpenPositions == 0 {
			r.MaxOpenPositions = 3
		}
		if r.DailyTradeCap == 0 {
			r.DailyTradeCap = 5
		}
		if r.MaxDailyDrawdownPct == 0 {
			r.MaxDailyDrawdownPct = 5
		}
		if r.MaxTotalDrawdownPct == 0 {
			r.MaxTotalDrawdownPct = 15
		}
	}

	if len(c.Sessions) == 0 {
		c.Sessions = DefaultSessions()
	}
	if c.Calendar.BlackoutMinutes == 0 {
		c.Calendar.BlackoutMinutes = 30
	}

	p := &c.Protection
	if p.BreakevenPips == 0 {
		p.BreakevenPips = 15
	}
	if p.BufferPips == 0 {
		p.BufferPips = 1
	}
	if p.PartialPips == 0 {
		p.PartialPips = 25
	}
	if p.PartialFraction == 0 {
		p.PartialFraction = 0.5
	}
	if p.TrailingActivationPips == 0 {
		p.TrailingActivationPips = 35
	}
	if p.TrailingDistancePips == 0 {
		p.TrailingDistancePips = 15
	}
	if p.MaxHold == 0 {
		p.MaxHold = 24 * time.Hour
	}
	if p.TightenPips == 0 {
		p.TightenPips = 10
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.DSN == "" && c.Ledger.Driver == "sqlite" {
		c.Ledger.DSN = "data/fxpilot.db"
	}

	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.API.JwtSecretEnv == "" {
		c.API.JwtSecretEnv = "FXPILOT_JWT_SECRET"
	}
	return nil
}

// DefaultSessions returns the four major forex sessions in UTC.
func DefaultSessions() []SessionConfig {
	return []SessionConfig{
		{Name: "sydney", Start: "21:00", End: "06:00", Currencies: []string{"AUD", "NZD"}},
		{Name: "tokyo", Start: "00:00", End: "09:00", Currencies: []string{"JPY"}},
		{Name: "london", Start: "07:00", End: "16:00", Currencies: []string{"GBP", "EUR", "CHF"}},
		{Name: "new_york", Start: "12:00", End: "21:00", Currencies: []string{"USD", "CAD"}},
	}
}

// Strategy returns the named strategy config.
func (c *Config) Strategy(name string) (StrategyConfig, bool) {
	for _, s := range c.Strategies {
		if s.Name == name {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// Account returns the account config with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// InstrumentsFor returns the instruments the strategy evaluates for the
// account: the strategy's list intersected with the account's, or the
// account's list when the strategy declares none.
func InstrumentsFor(acct AccountConfig, strat StrategyConfig) []string {
	if len(strat.Instruments) == 0 {
		return append([]string(nil), acct.Instruments...)
	}
	var out []string
	for _, inst := range strat.Instruments {
		if acct.TradesInstrument(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// ValidationError collects global configuration problems and per-account
// problems. Global problems are fatal; account problems deactivate the account.
type ValidationError struct {
	Problems []string
	Accounts map[string]error
}

func (e *ValidationError) Error() string {
	parts := append([]string(nil), e.Problems...)
	ids := make([]string, 0, len(e.Accounts))
	for id := range e.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("account %s: %v", id, e.Accounts[id]))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Fatal reports whether the error contains global problems.
func (e *ValidationError) Fatal() bool {
	return len(e.Problems) > 0
}

// Validate checks structural consistency. It returns nil or a *ValidationError.
func (c *Config) Validate() error {
	verr := &ValidationError{Accounts: map[string]error{}}
	problem := func(format string, args ...any) {
		verr.Problems = append(verr.Problems, fmt.Sprintf(format, args...))
	}

	if len(c.Accounts) == 0 {
		problem("no accounts configured")
	}
	switch c.Broker.Kind {
	case "oanda", "paper":
	default:
		problem("unknown broker kind %q", c.Broker.Kind)
	}
	if n := c.Broker.Retries(); n < 0 || n > MaxRetriesLimit {
		problem("broker maxRetries %d out of range [0,%d]", n, MaxRetriesLimit)
	}
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"scanInterval", c.Engine.ScanInterval},
		{"monitorInterval", c.Engine.MonitorInterval},
		{"adaptiveInterval", c.Engine.AdaptiveInterval},
	} {
		if iv.d <= 0 {
			problem("engine %s must be positive, got %s", iv.name, iv.d)
		}
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		problem("unknown ledger driver %q", c.Ledger.Driver)
	}
	if _, err := time.LoadLocation(c.App.TradingDayTimezone); err != nil {
		problem("trading day timezone: %v", err)
	}

	t := c.Thresholds
	if t.Floor > t.Ceiling {
		problem("threshold floor %.1f above ceiling %.1f", t.Floor, t.Ceiling)
	}
	if t.Mode != ThresholdModePerStrategy && t.Mode != ThresholdModeUniform {
		problem("unknown threshold mode %q", t.Mode)
	}
	if t.StepMode != StepModeFixed && t.StepMode != StepModeScaled {
		problem("unknown threshold step mode %q", t.StepMode)
	}
	if t.Step <= 0 {
		problem("threshold step must be positive")
	}

	p := c.Protection
	if p.PartialFraction <= 0 || p.PartialFraction >= 1 {
		problem("protection partialFraction must be in (0,1)")
	}
	if !(p.BreakevenPips <= p.PartialPips && p.PartialPips <= p.TrailingActivationPips) {
		problem("protection thresholds must be ordered breakeven <= partial <= trailing activation")
	}

	for _, s := range c.Sessions {
		if _, _, err := s.Window(); err != nil {
			problem("%v", err)
		}
	}

	seenStrat := map[string]bool{}
	for _, s := range c.Strategies {
		if s.Name == "" {
			problem("strategy with empty name")
			continue
		}
		if seenStrat[s.Name] {
			problem("duplicate strategy %q", s.Name)
		}
		seenStrat[s.Name] = true
	}

	seenAcct := map[string]bool{}
	for _, a := range c.Accounts {
		if a.ID == "" {
			problem("account with empty id")
			continue
		}
		if seenAcct[a.ID] {
			problem("duplicate account %q", a.ID)
			continue
		}
		seenAcct[a.ID] = true
		if err := c.validateAccount(a); err != nil {
			verr.Accounts[a.ID] = err
		}
	}

	if len(verr.Problems) == 0 && len(verr.Accounts) == 0 {
		return nil
	}
	return verr
}

func (c *Config) validateAccount(a AccountConfig) error {
	if len(a.Strategies) == 0 {
		return errors.New("no strategies bound")
	}
	if len(a.Instruments) == 0 {
		return errors.New("no instruments listed")
	}
	for _, name := range a.Strategies {
		if _, ok := c.Strategy(name); !ok {
			return fmt.Errorf("unknown strategy binding %q", name)
		}
	}
	r := a.Risk
	if r.MaxRiskPerTradePct <= 0 || r.MaxRiskPerTradePct > 10 {
		return fmt.Errorf("maxRiskPerTradePct %.2f out of range (0,10]", r.MaxRiskPerTradePct)
	}
	if r.DailyRiskCapPct < r.MaxRiskPerTradePct {
		return fmt.Errorf("dailyRiskCapPct %.2f below maxRiskPerTradePct %.2f", r.DailyRiskCapPct, r.MaxRiskPerTradePct)
	}
	if r.MaxOpenPositions < 1 || r.DailyTradeCap < 1 {
		return errors.New("position and daily trade caps must be at least 1")
	}
	return nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
