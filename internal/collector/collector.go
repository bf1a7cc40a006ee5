// Package collector drives bulk collection of subnet metrics through the
// rate-limited API client and into the time-series store. Work proceeds in
// bounded batches with a pause between them so a full sweep stays inside the
// upstream rate budget.
package collector

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
	"github.com/subnetlab/taometrics/internal/store"
)

// FetchFunc fetches the payload to be appended for one netuid.
type FetchFunc func(ctx context.Context, netuid int) (any, error)

type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome is the explicit per-netuid result of a collection run. A failure
// carries the error that caused it; it never aborts sibling netuids.
type Outcome struct {
	Status Status
	Err    error
}

// Results maps each processed netuid to its outcome.
type Results map[int]Outcome

func (r Results) count(status Status) int {
	n := 0
	for _, outcome := range r {
		if outcome.Status == status {
			n++
		}
	}
	return n
}

func (r Results) Succeeded() int { return r.count(StatusOK) }
func (r Results) Failed() int    { return r.count(StatusFailed) }
func (r Results) Skipped() int   { return r.count(StatusSkipped) }

// SuccessRatio is succeeded over attempted (skips excluded). 1 when nothing
// was attempted.
func (r Results) SuccessRatio() float64 {
	attempted := len(r) - r.Skipped()
	if attempted == 0 {
		return 1
	}
	return float64(r.Succeeded()) / float64(attempted)
}

type Config struct {
	Series     store.Series
	BatchSize  int
	BatchDelay time.Duration
	MinAge     time.Duration // warmup: skip netuids with data younger than this
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Series.Valid() {
		return errFactory.WithData(store.ErrUnknownSeries, string(c.Series))
	}
	if c.BatchSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "batch_size must be positive")
	}

	return nil
}

type Collector struct {
	repo  *store.Repository
	clock clockwork.Clock
	cfg   Config
}

func New(repo *store.Repository, clock clockwork.Clock, cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Collector{repo: repo, clock: clock, cfg: cfg}, nil
}

// Run collects every given netuid in order: contiguous batches of BatchSize,
// sequential within a batch, BatchDelay pause between batches but not after
// the last. A failed netuid is logged, recorded and skipped past; the run
// only stops early when the context is canceled.
func (c *Collector) Run(ctx context.Context, netuids []int, fetch FetchFunc) (Results, error) {
	return c.run(ctx, netuids, fetch, false)
}

// Warmup behaves like Run but first skips netuids whose latest record is
// younger than MinAge, so frequent scheduler runs do not refetch fresh data.
func (c *Collector) Warmup(ctx context.Context, netuids []int, fetch FetchFunc) (Results, error) {
	return c.run(ctx, netuids, fetch, true)
}

func (c *Collector) run(ctx context.Context, netuids []int, fetch FetchFunc, skipFresh bool) (Results, error) {
	errFactory := errors.New()
	results := make(Results, len(netuids))

	batches := (len(netuids) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	for i := 0; i < len(netuids); i += c.cfg.BatchSize {
		end := i + c.cfg.BatchSize
		if end > len(netuids) {
			end = len(netuids)
		}
		batch := netuids[i:end]

		logger.Info().
			Int("batch", i/c.cfg.BatchSize+1).
			Int("batches", batches).
			Int("size", len(batch)).
			Msg("Processing batch")

		for _, netuid := range batch {
			if err := ctx.Err(); err != nil {
				return results, errFactory.Wrap(errors.ErrCanceled, err)
			}
			results[netuid] = c.processOne(ctx, netuid, fetch, skipFresh)
		}

		// Pause between batches, not after the last
		if end < len(netuids) && c.cfg.BatchDelay > 0 {
			select {
			case <-c.clock.After(c.cfg.BatchDelay):
			case <-ctx.Done():
				return results, errFactory.Wrap(errors.ErrCanceled, ctx.Err())
			}
		}
	}

	logger.Info().
		Int("succeeded", results.Succeeded()).
		Int("failed", results.Failed()).
		Int("skipped", results.Skipped()).
		Int("total", len(results)).
		Float64("success_ratio", results.SuccessRatio()).
		Str("series", string(c.cfg.Series)).
		Msg("Collection complete")

	return results, nil
}

func (c *Collector) processOne(ctx context.Context, netuid int, fetch FetchFunc, skipFresh bool) Outcome {
	if skipFresh && c.cfg.MinAge > 0 {
		latest, err := c.repo.LatestFor(ctx, c.cfg.Series, netuid)
		if err != nil {
			logger.Error().Err(err).Int("netuid", netuid).Msg("Failed to check latest record")
			return Outcome{Status: StatusFailed, Err: err}
		}
		if latest != nil && c.clock.Now().UTC().Sub(latest.RecordedAt) < c.cfg.MinAge {
			logger.Debug().Int("netuid", netuid).Msg("Skipping netuid with fresh data")
			return Outcome{Status: StatusSkipped}
		}
	}

	payload, err := fetch(ctx, netuid)
	if err != nil {
		logger.Error().Err(err).Int("netuid", netuid).Msg("Failed to fetch netuid")
		return Outcome{Status: StatusFailed, Err: err}
	}

	if _, err := c.repo.Append(ctx, c.cfg.Series, netuid, payload); err != nil {
		logger.Error().Err(err).Int("netuid", netuid).Msg("Failed to store netuid")
		return Outcome{Status: StatusFailed, Err: err}
	}

	logger.Debug().Int("netuid", netuid).Msg("Stored record")

	return Outcome{Status: StatusOK}
}
