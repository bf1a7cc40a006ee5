package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taometrics.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TAOMETRICS_CONFIG", path)

	return path
}

func TestLoadDefaults(t *testing.T) {
	writeConfigFile(t, "")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, defaultBaseURL, cfg.APIBaseURL)
	assert.Equal(t, 10, cfg.RequestsPerMinute)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 300, cfg.CacheTTL)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 1000, cfg.MaxRowsPerNetuid)
	assert.Equal(t, defaultStartNetuid, cfg.StartNetuid)
	assert.Equal(t, defaultEndNetuid, cfg.EndNetuid)
	assert.Equal(t, defaultCronSpec, cfg.CronSpec)
	assert.False(t, cfg.Daemon)
	assert.False(t, cfg.Warmup)
}

func TestLoadConfigFile(t *testing.T) {
	writeConfigFile(t, `
api_key = "file-key"
batch_size = 25
retention_days = 7
database = "/tmp/custom.db"
`)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	writeConfigFile(t, `api_key = "file-key"`)
	t.Setenv("TAOMETRICS_API_KEY", "env-key")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
}

func TestLoadAPIKeysFromEnvironmentOnly(t *testing.T) {
	// No config file mention of either key: the environment alone must be
	// enough, as with a .env-provided deployment
	writeConfigFile(t, "")
	t.Setenv("TAOMETRICS_API_KEY", "env-key")
	t.Setenv("TAOMETRICS_COINGECKO_API_KEY", "cg-env-key")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "cg-env-key", cfg.CoinGeckoAPIKey)
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	writeConfigFile(t, `batch_size = 25`)
	t.Setenv("TAOMETRICS_BATCH_SIZE", "50")

	cfg, err := Load([]string{"--batch-size", "5", "--database", "/tmp/flag.db"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "/tmp/flag.db", cfg.DBPath)
}

func TestLoadModeFlags(t *testing.T) {
	writeConfigFile(t, "")

	cfg, err := Load([]string{"--warmup", "--daemon"})
	require.NoError(t, err)
	assert.True(t, cfg.Warmup)
	assert.True(t, cfg.Daemon)
	assert.False(t, cfg.PurgeOnly)
	assert.False(t, cfg.PricesOnly)
	assert.False(t, cfg.ValidatorsOnly)

	cfg, err = Load([]string{"--validators"})
	require.NoError(t, err)
	assert.True(t, cfg.ValidatorsOnly)
	assert.False(t, cfg.Daemon)
}

func TestLoadUnknownFlag(t *testing.T) {
	writeConfigFile(t, "")

	_, err := Load([]string{"--no-such-flag"})
	require.Error(t, err)
}

func TestLoadMalformedConfigFile(t *testing.T) {
	writeConfigFile(t, `batch_size = [not toml`)

	_, err := Load(nil)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			RequestsPerMinute: 10,
			CacheTTL:          300,
			RetentionDays:     30,
			MaxRowsPerNetuid:  1000,
			BatchSize:         10,
			StartNetuid:       1,
			EndNetuid:         64,
			DBPath:            "/tmp/test.db",
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.RequestsPerMinute = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxRetries = -1
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RetentionDays = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.StartNetuid = 100
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.DBPath = ""
	require.Error(t, cfg.Validate())
}
