package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/subnetlab/taometrics/internal/errors"
)

const (
	defaultBaseURL     = "https://api.tao.app"
	defaultDBPath      = "/var/lib/taometrics/taometrics.db"
	defaultEnvPrefix   = "TAOMETRICS"
	defaultCronSpec    = "0 */6 * * *"
	defaultStartNetuid = 1
	defaultEndNetuid   = 64
)

type Config struct {
	// Upstream API
	APIBaseURL        string  `mapstructure:"api_base_url"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialRetryDelay float64 `mapstructure:"initial_retry_delay"`
	MaxRetryDelay     float64 `mapstructure:"max_retry_delay"`
	RequestTimeout    int     `mapstructure:"request_timeout"`

	// Cache and retention
	CacheTTL         int `mapstructure:"cache_ttl"`
	RetentionDays    int `mapstructure:"retention_days"`
	MaxRowsPerNetuid int `mapstructure:"max_rows_per_netuid"`

	// Batch collection
	BatchSize         int `mapstructure:"batch_size"`
	BatchDelay        int `mapstructure:"batch_delay"`
	WarmupMinAgeHours int `mapstructure:"warmup_min_age_hours"`
	StartNetuid       int `mapstructure:"start_netuid"`
	EndNetuid         int `mapstructure:"end_netuid"`

	// Storage
	DBPath string `mapstructure:"database"`

	// Price feed
	CoinGeckoAPIKey  string `mapstructure:"coingecko_api_key"`
	PriceHistoryDays int    `mapstructure:"price_history_days"`

	// Daemon scheduling
	CronSpec string `mapstructure:"cron_spec"`

	// Logging
	Debug   bool `mapstructure:"debug"`
	Verbose bool `mapstructure:"verbose"`

	// Run modes, flags only
	Warmup         bool `mapstructure:"-"`
	PurgeOnly      bool `mapstructure:"-"`
	PricesOnly     bool `mapstructure:"-"`
	SnapshotOnly   bool `mapstructure:"-"`
	SummaryOnly    bool `mapstructure:"-"`
	ValidatorsOnly bool `mapstructure:"-"`
	Daemon         bool `mapstructure:"-"`
}

func defaults() map[string]any {
	return map[string]any{
		"api_base_url": defaultBaseURL,
		// Registered empty so env-only values survive Unmarshal; viper
		// ignores environment keys it has never seen.
		"api_key":              "",
		"coingecko_api_key":    "",
		"requests_per_minute":  10,
		"max_retries":          3,
		"initial_retry_delay":  1.0,
		"max_retry_delay":      30.0,
		"request_timeout":      10,
		"cache_ttl":            300,
		"retention_days":       30,
		"max_rows_per_netuid":  1000,
		"batch_size":           10,
		"batch_delay":          10,
		"warmup_min_age_hours": 6,
		"start_netuid":         defaultStartNetuid,
		"end_netuid":           defaultEndNetuid,
		"database":             defaultDBPath,
		"price_history_days":   365,
		"cron_spec":            defaultCronSpec,
	}
}

// Load reads configuration from .env, config file, environment and flags.
// Precedence, lowest to highest: defaults, config file, environment
// (TAOMETRICS_ prefix), command line flags.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	// Optional .env in the working directory, the same convenience the
	// hosted deployment relies on. Absence is not an error.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("taometrics", pflag.ContinueOnError)
	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("database", "", "Path to the SQLite database")
	flags.Int("batch-size", 0, "Netuids per collection batch")
	flags.Int("batch-delay", 0, "Seconds to pause between batches")
	flags.Int("retention-days", 0, "Days of time-series history to keep")
	flags.Int("start-netuid", 0, "First netuid to collect (inclusive)")
	flags.Int("end-netuid", 0, "Last netuid to collect (inclusive)")
	flags.String("cron-spec", "", "Cron schedule for daemon mode")
	// Modes are parsed by the caller; declared here so parsing accepts them.
	flags.Bool("warmup", false, "Skip netuids with recent data")
	flags.Bool("purge", false, "Run retention purge and exit")
	flags.Bool("prices", false, "Update the TAO price history and exit")
	flags.Bool("snapshot", false, "Print the combined subnet snapshot and exit")
	flags.Bool("summary", false, "Print per-subnet APY summaries and exit")
	flags.Bool("validators", false, "Print per-validator APY rows and exit")
	flags.Bool("daemon", false, "Run collection on a cron schedule")
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(defaultEnvPrefix)
	v.AutomaticEnv()

	if path := os.Getenv(defaultEnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taometrics")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/taometrics")
		v.AddConfigPath("$XDG_CONFIG_HOME/taometrics")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Command line flags take precedence over file and environment
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "batch-size":
			v.Set("batch_size", f.Value.String())
		case "batch-delay":
			v.Set("batch_delay", f.Value.String())
		case "retention-days":
			v.Set("retention_days", f.Value.String())
		case "start-netuid":
			v.Set("start_netuid", f.Value.String())
		case "end-netuid":
			v.Set("end_netuid", f.Value.String())
		case "cron-spec":
			v.Set("cron_spec", f.Value.String())
		case "debug", "verbose", "database":
			v.Set(f.Name, f.Value.String())
		}
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	config.Warmup, _ = flags.GetBool("warmup")
	config.PurgeOnly, _ = flags.GetBool("purge")
	config.PricesOnly, _ = flags.GetBool("prices")
	config.SnapshotOnly, _ = flags.GetBool("snapshot")
	config.SummaryOnly, _ = flags.GetBool("summary")
	config.ValidatorsOnly, _ = flags.GetBool("validators")
	config.Daemon, _ = flags.GetBool("daemon")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.RequestsPerMinute <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "requests_per_minute must be positive")
	case c.MaxRetries < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "max_retries must not be negative")
	case c.CacheTTL <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "cache_ttl must be positive")
	case c.RetentionDays <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "retention_days must be positive")
	case c.MaxRowsPerNetuid <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "max_rows_per_netuid must be positive")
	case c.BatchSize <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "batch_size must be positive")
	case c.StartNetuid > c.EndNetuid:
		return errFactory.WithData(errors.ErrInvalidConfig, "start_netuid must not exceed end_netuid")
	case c.DBPath == "":
		return errFactory.New(errors.ErrMissingConfig).WithMessage("database path is required")
	}

	return nil
}
