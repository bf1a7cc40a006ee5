// Package prices integrates the CoinGecko price feed: a lightweight display
// series independent from the subnet metrics pipeline, deduplicated by day.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
	"github.com/subnetlab/taometrics/internal/store"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	coinID         = "bittensor"
	sourceName     = "coingecko"
	apiKeyHeader   = "x-cg-pro-api-key"

	ErrFetchFailed  = errors.ErrorCode("prices_fetch_failed")
	ErrDecodeFailed = errors.ErrorCode("prices_decode_failed")
)

type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout int // seconds
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		RequestTimeout: 15,
	}
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrFetchFailed, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errFactory.Wrap(ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errFactory.WithData(ErrFetchFailed, resp.StatusCode)
	}

	return body, nil
}

// CurrentPrice fetches the spot TAO/USD price.
func (c *Client) CurrentPrice(ctx context.Context) (float64, error) {
	errFactory := errors.New()

	body, err := c.get(ctx, fmt.Sprintf("/simple/price?ids=%s&vs_currencies=usd", coinID))
	if err != nil {
		return 0, err
	}

	var payload map[string]struct {
		USD *float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errFactory.Wrap(ErrDecodeFailed, err)
	}

	entry, ok := payload[coinID]
	if !ok || entry.USD == nil {
		return 0, errFactory.WithData(ErrDecodeFailed, "missing usd price")
	}

	return *entry.USD, nil
}

// History fetches daily closes for the past days, one record per day at
// midnight UTC.
func (c *Client) History(ctx context.Context, days int) ([]store.PriceRecord, error) {
	errFactory := errors.New()

	body, err := c.get(ctx, fmt.Sprintf(
		"/coins/%s/market_chart?vs_currency=usd&days=%d&interval=daily", coinID, days))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errFactory.Wrap(ErrDecodeFailed, err)
	}

	records := make([]store.PriceRecord, 0, len(payload.Prices))
	for _, point := range payload.Prices {
		ts := time.UnixMilli(int64(point[0])).UTC().Truncate(24 * time.Hour)
		records = append(records, store.PriceRecord{
			Date:     ts,
			PriceUSD: point[1],
			Source:   sourceName,
		})
	}

	return records, nil
}

// Service keeps the stored price history current.
type Service struct {
	repo   *store.Repository
	client *Client
	clock  clockwork.Clock
}

func NewService(repo *store.Repository, client *Client, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{repo: repo, client: client, clock: clock}
}

// Update fetches the past days of daily closes and stores the ones not yet
// present. Returns the number of rows added.
func (s *Service) Update(ctx context.Context, days int) (int, error) {
	history, err := s.client.History(ctx, days)
	if err != nil {
		return 0, err
	}

	added, err := s.repo.InsertPrices(ctx, history)
	if err != nil {
		return 0, err
	}

	logger.Info().Int("added", added).Msg("Price history updated")

	return added, nil
}

// Latest returns the most recent stored price, falling back to a live fetch
// (which is then stored) when the history is empty.
func (s *Service) Latest(ctx context.Context) (*store.PriceRecord, error) {
	rec, err := s.repo.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	price, err := s.client.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	today := s.clock.Now().UTC().Truncate(24 * time.Hour)
	record := store.PriceRecord{Date: today, PriceUSD: price, Source: sourceName}
	if _, err := s.repo.InsertPrices(ctx, []store.PriceRecord{record}); err != nil {
		return nil, err
	}

	return &record, nil
}
