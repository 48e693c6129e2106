package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
http:
  port: 9090
database:
  url: postgres://localhost/datapulse
collectors:
  - type: technical
    table: technical_indicators
    interval: 1h
    lookback: 168h
    gap_tolerance_multiple: 2
    max_backfill_days: 30
    ensure_placeholders: true
    source:
      base_url: https://gateway.example.com
    symbols: [BTC-USD, ETH-USD]
  - type: macro
    table: macro_indicators
    interval: 24h
    lookback: 720h
    gap_tolerance_multiple: 1.5
    max_backfill_days: 90
    source:
      base_url: https://macro.example.com
    series: [DFF, DGS10]
`

func TestLoad_ValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "postgres://localhost/datapulse", cfg.Database.URL)
	require.Len(t, cfg.Collectors, 2)

	tech := cfg.Collectors[0]
	assert.Equal(t, "technical", tech.Type)
	assert.Equal(t, time.Hour, tech.Interval)
	assert.Equal(t, 2*time.Hour, tech.GapTolerance())
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, tech.Symbols)

	macro := cfg.Collectors[1]
	assert.Equal(t, 36*time.Hour, macro.GapTolerance())
	assert.Equal(t, 90, macro.MaxBackfillDays)

	// Untouched sections keep defaults.
	assert.Equal(t, 0.4, cfg.Health.FreshnessWeight)
	assert.Equal(t, 30*time.Second, cfg.HTTP.RequestTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override/db")
	t.Setenv("HTTP_PORT", "8099")
	t.Setenv("ENSURE_PLACEHOLDERS", "false")
	t.Setenv("MAX_BACKFILL_DAYS", "7")
	t.Setenv("PLACEHOLDER_LOOKBACK_DAYS", "3")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "postgres://override/db", cfg.Database.URL)
	assert.Equal(t, 8099, cfg.HTTP.Port)
	for _, col := range cfg.Collectors {
		assert.False(t, col.EnsurePlaceholders)
		assert.Equal(t, 7, col.MaxBackfillDays)
		assert.Equal(t, 72*time.Hour, col.Lookback)
	}
}

func TestLoad_LookbackHoursWinsOverDays(t *testing.T) {
	t.Setenv("PLACEHOLDER_LOOKBACK_DAYS", "3")
	t.Setenv("PLACEHOLDER_LOOKBACK_HOURS", "12")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.Collectors[0].Lookback)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	body := `
collectors:
  - type: technical
    table: t
    interval: 1h
    gap_tolerance_multiple: 2
    max_backfill_days: 30
    source: {base_url: https://x}
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url")
}

func TestLoad_RejectsBadCollector(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown type",
			body: `
database: {url: postgres://x}
collectors:
  - type: sentiment
    table: t
    interval: 1h
    gap_tolerance_multiple: 2
    max_backfill_days: 30
    source: {base_url: https://x}
`,
			want: "unknown type",
		},
		{
			name: "duplicate type",
			body: `
database: {url: postgres://x}
collectors:
  - {type: macro, table: a, interval: 1h, gap_tolerance_multiple: 2, max_backfill_days: 30, source: {base_url: https://x}}
  - {type: macro, table: b, interval: 1h, gap_tolerance_multiple: 2, max_backfill_days: 30, source: {base_url: https://x}}
`,
			want: "duplicate collector type",
		},
		{
			name: "zero interval",
			body: `
database: {url: postgres://x}
collectors:
  - {type: macro, table: a, gap_tolerance_multiple: 2, max_backfill_days: 30, source: {base_url: https://x}}
`,
			want: "interval must be positive",
		},
		{
			name: "missing source",
			body: `
database: {url: postgres://x}
collectors:
  - {type: macro, table: a, interval: 1h, gap_tolerance_multiple: 2, max_backfill_days: 30}
`,
			want: "base_url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_BadEnvValueFailsFast(t *testing.T) {
	t.Setenv("MAX_BACKFILL_DAYS", "soon")
	_, err := Load(writeConfig(t, validYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_BACKFILL_DAYS")
}

func TestLoad_NoFileUsesDefaultsPlusEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-only/db")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8087, cfg.HTTP.Port)
	require.Len(t, cfg.Collectors, 1)
	assert.Equal(t, "technical", cfg.Collectors[0].Type)
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
