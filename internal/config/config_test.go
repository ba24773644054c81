package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  logLevel: debug
  envFile: testdata-missing.env
broker:
  kind: oanda
  tokenEnv: FXPILOT_TEST_TOKEN
engine:
  scanInterval: 30s
strategies:
  - name: trend
    kind: ema_cross
    instruments: [EUR_USD, GBP_USD]
    maxSpreadPips: 1.5
  - name: revert
    kind: rsi_reversion
    threshold: 65
accounts:
  - id: "001-001-1"
    strategies: [trend, revert]
    instruments: [EUR_USD, USD_JPY]
  - id: "001-001-2"
    active: false
    strategies: [trend]
    instruments: [GBP_USD]
    risk:
      dailyTradeCap: 2
calendar:
  events:
    - time: 2026-03-06T13:30:00Z
      currencies: [USD]
      impact: high
      title: NFP
`

func TestParse_AppliesDefaults(t *testing.T) {
	t.Setenv("FXPILOT_TEST_TOKEN", "secret-token")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "secret-token", cfg.Broker.Token)
	assert.Equal(t, 30*time.Second, cfg.Engine.ScanInterval)
	assert.Equal(t, 10*time.Second, cfg.Engine.MonitorInterval)
	assert.Equal(t, 30*time.Minute, cfg.Engine.AdaptiveInterval)
	assert.Equal(t, 2, cfg.Broker.Retries())

	assert.Equal(t, ThresholdModePerStrategy, cfg.Thresholds.Mode)
	assert.Equal(t, 70.0, cfg.Strategies[0].Threshold)
	assert.Equal(t, 65.0, cfg.Strategies[1].Threshold)
	assert.Equal(t, "M5", cfg.Strategies[0].Granularity)

	a1, ok := cfg.Account("001-001-1")
	require.True(t, ok)
	assert.True(t, a1.IsActive())
	assert.Equal(t, "USD", a1.Currency)
	assert.Equal(t, 5, a1.Risk.DailyTradeCap)

	a2, _ := cfg.Account("001-001-2")
	assert.False(t, a2.IsActive())
	assert.Equal(t, 2, a2.Risk.DailyTradeCap)

	assert.Len(t, cfg.Sessions, 4)
	require.Len(t, cfg.Calendar.Events, 1)
	assert.Equal(t, time.Date(2026, 3, 6, 13, 30, 0, 0, time.UTC), cfg.Calendar.Events[0].Time.UTC())
	assert.Equal(t, 30, cfg.Calendar.BlackoutMinutes)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_EnvFileSuppliesToken(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "creds.env")
	require.NoError(t, os.WriteFile(envPath, []byte("FXPILOT_ENVFILE_TOKEN=from-file\n"), 0o600))
	cfgPath := filepath.Join(dir, "fx.yaml")
	body := "app:\n  envFile: " + envPath + "\nbroker:\n  tokenEnv: FXPILOT_ENVFILE_TOKEN\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	t.Cleanup(func() { os.Unsetenv("FXPILOT_ENVFILE_TOKEN") })

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Broker.Token)
}

func TestValidate_NoAccountsIsFatal(t *testing.T) {
	cfg, err := Parse([]byte("app:\n  envFile: missing.env\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Fatal())
	assert.Contains(t, verr.Error(), "no accounts configured")
}

func TestValidate_BadAccountIsNotFatal(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	cfg.Accounts = append(cfg.Accounts, AccountConfig{
		ID:          "broken",
		Strategies:  []string{"does_not_exist"},
		Instruments: []string{"EUR_USD"},
		Risk:        cfg.Accounts[0].Risk,
	})

	err = cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, verr.Fatal())
	require.Contains(t, verr.Accounts, "broken")
	assert.Contains(t, verr.Accounts["broken"].Error(), "unknown strategy binding")
}

func TestValidate_GlobalProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"floor above ceiling", func(c *Config) { c.Thresholds.Floor = 90 }, "above ceiling"},
		{"bad mode", func(c *Config) { c.Thresholds.Mode = "global" }, "threshold mode"},
		{"bad broker", func(c *Config) { c.Broker.Kind = "mt5" }, "broker kind"},
		{"bad session", func(c *Config) { c.Sessions[0].Start = "25:99" }, "session"},
		{"bad fraction", func(c *Config) { c.Protection.PartialFraction = 1 }, "partialFraction"},
		{"duplicate strategy", func(c *Config) { c.Strategies[1].Name = "trend" }, "duplicate strategy"},
		{"negative adaptive interval", func(c *Config) { c.Engine.AdaptiveInterval = -time.Second }, "adaptiveInterval must be positive"},
		{"zero scan interval", func(c *Config) { c.Engine.ScanInterval = 0 }, "scanInterval must be positive"},
		{"negative monitor interval", func(c *Config) { c.Engine.MonitorInterval = -time.Minute }, "monitorInterval must be positive"},
		{"too many retries", func(c *Config) { n := 5; c.Broker.MaxRetries = &n }, "maxRetries 5 out of range"},
		{"negative retries", func(c *Config) { n := -1; c.Broker.MaxRetries = &n }, "maxRetries -1 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_MaxRetries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"absent uses default", "broker: {kind: paper}\n", DefaultMaxRetries},
		{"explicit zero kept", "broker: {kind: paper, maxRetries: 0}\n", 0},
		{"explicit one kept", "broker: {kind: paper, maxRetries: 1}\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte("app:\n  envFile: missing.env\n" + tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Broker.Retries())
		})
	}
}

func TestParse_NegativeIntervalSurvivesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(strings.Replace(sampleYAML, "scanInterval: 30s", "scanInterval: 30s\n  adaptiveInterval: -1s", 1)))
	require.NoError(t, err)
	assert.Equal(t, -time.Second, cfg.Engine.AdaptiveInterval)
	err = cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Fatal())
}

func TestInstrumentsFor(t *testing.T) {
	t.Parallel()

	acct := AccountConfig{Instruments: []string{"EUR_USD", "USD_JPY"}}
	assert.Equal(t, []string{"EUR_USD"}, InstrumentsFor(acct, StrategyConfig{Instruments: []string{"EUR_USD", "GBP_USD"}}))
	assert.Equal(t, []string{"EUR_USD", "USD_JPY"}, InstrumentsFor(acct, StrategyConfig{}))
	assert.Empty(t, InstrumentsFor(acct, StrategyConfig{Instruments: []string{"AUD_USD"}}))
}

func TestSessionWindow(t *testing.T) {
	t.Parallel()

	start, end, err := SessionConfig{Name: "sydney", Start: "21:00", End: "06:00"}.Window()
	require.NoError(t, err)
	assert.Equal(t, 21*60, start)
	assert.Equal(t, 6*60, end)
}

func TestStrategyParam(t *testing.T) {
	t.Parallel()

	s := StrategyConfig{Params: map[string]float64{"fast": 9}}
	assert.Equal(t, 9.0, s.Param("fast", 12))
	assert.Equal(t, 26.0, s.Param("slow", 26))
}
