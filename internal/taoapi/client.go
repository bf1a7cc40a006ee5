package taoapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
)

const (
	apiKeyHeader      = "X-API-Key"
	maxLoggedBody     = 256
	backoffMultiplier = 2.0
)

// retryableStatuses are the transient upstream statuses worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client is the resilient tao.app API client. It owns its connection pool and
// rate limiter; callers share one instance per process.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *RateLimiter
}

func NewClient(cfg Config, clock clockwork.Clock) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		limiter: NewRateLimiter(cfg.RequestsPerMinute, clock),
	}, nil
}

// Limiter exposes the client's rate limiter for callers that need to pace
// additional traffic against the same budget.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// get performs a rate-limited GET with retry on transient upstream failures.
// Only GET is ever retried; the endpoints are side-effect free. Non-retryable
// statuses propagate immediately, exhaustion surfaces as
// ErrUpstreamUnavailable carrying the last status.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	errFactory := errors.New()

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	operation := func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(errFactory.Wrap(ErrRequestFailed, err))
		}
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errFactory.Wrap(ErrTransientStatus, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errFactory.Wrap(ErrTransientStatus, err)
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		data := StatusData{Status: resp.StatusCode, Body: truncate(body)}
		if retryableStatuses[resp.StatusCode] {
			logger.Warn().
				Str("endpoint", path).
				Int("status", resp.StatusCode).
				Msg("Transient upstream error, will retry")
			return nil, errFactory.WithData(ErrTransientStatus, data)
		}

		return nil, backoff.Permanent(errFactory.WithData(ErrRequestFailed, data))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(c.cfg.InitialRetryDelay * float64(time.Second))
	policy.MaxInterval = time.Duration(c.cfg.MaxRetryDelay * float64(time.Second))
	policy.Multiplier = backoffMultiplier
	policy.MaxElapsedTime = 0

	body, err := backoff.RetryWithData(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		if errors.CodeOf(err) == ErrTransientStatus {
			var domainErr errors.Error
			errors.As(err, &domainErr)
			return nil, errFactory.Wrap(ErrUpstreamUnavailable, err).WithData(domainErr.GetData())
		}
		return nil, err
	}

	return body, nil
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody])
	}
	return string(body)
}
