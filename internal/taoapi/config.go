package taoapi

import "github.com/subnetlab/taometrics/internal/errors"

const (
	defaultBaseURL           = "https://api.tao.app"
	defaultRequestsPerMinute = 10
	defaultMaxRetries        = 3
	defaultInitialRetryDelay = 1.0
	defaultMaxRetryDelay     = 30.0
	defaultRequestTimeout    = 10
)

type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	MaxRetries        int
	InitialRetryDelay float64 // seconds
	MaxRetryDelay     float64 // seconds
	RequestTimeout    int     // seconds
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           defaultBaseURL,
		RequestsPerMinute: defaultRequestsPerMinute,
		MaxRetries:        defaultMaxRetries,
		InitialRetryDelay: defaultInitialRetryDelay,
		MaxRetryDelay:     defaultMaxRetryDelay,
		RequestTimeout:    defaultRequestTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.BaseURL == "" {
		return errFactory.New(ErrMissingBaseURL)
	}
	if c.APIKey == "" {
		return errFactory.New(ErrMissingAPIKey)
	}
	if c.RequestsPerMinute <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "requests_per_minute must be positive")
	}
	if c.MaxRetries < 0 {
		return errFactory.WithData(ErrInvalidConfig, "max_retries must not be negative")
	}

	return nil
}
