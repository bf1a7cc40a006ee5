package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/subnetlab/taometrics/internal/collector"
	"github.com/subnetlab/taometrics/internal/config"
	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
	"github.com/subnetlab/taometrics/internal/pid"
	"github.com/subnetlab/taometrics/internal/prices"
	"github.com/subnetlab/taometrics/internal/stats"
	"github.com/subnetlab/taometrics/internal/store"
	"github.com/subnetlab/taometrics/internal/taoapi"
)

type app struct {
	cfg       *config.Config
	repo      *store.Repository
	client    *taoapi.Client
	snapshot  *collector.Snapshot
	collector *collector.Collector
	prices    *prices.Service
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	a, err := newApp(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		os.Exit(1)
	}
	defer func() {
		if err := a.repo.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	if err := a.run(ctx); err != nil {
		logger.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func newApp(cfg *config.Config) (*app, error) {
	errFactory := errors.New()
	clock := clockwork.NewRealClock()

	repo, err := store.Open(store.Config{
		DBPath:           cfg.DBPath,
		RetentionDays:    cfg.RetentionDays,
		MaxRowsPerNetuid: cfg.MaxRowsPerNetuid,
		BackupOnMigrate:  true,
	}, clock)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	a := &app{cfg: cfg, repo: repo}

	// The purge and prices modes work without upstream credentials
	if cfg.APIKey != "" {
		client, err := taoapi.NewClient(taoapi.Config{
			BaseURL:           cfg.APIBaseURL,
			APIKey:            cfg.APIKey,
			RequestsPerMinute: cfg.RequestsPerMinute,
			MaxRetries:        cfg.MaxRetries,
			InitialRetryDelay: cfg.InitialRetryDelay,
			MaxRetryDelay:     cfg.MaxRetryDelay,
			RequestTimeout:    cfg.RequestTimeout,
		}, clock)
		if err != nil {
			repo.Close()
			return nil, errFactory.Wrap(errors.ErrInitApp, err)
		}
		a.client = client
		a.snapshot = collector.NewSnapshot(repo, client, clock,
			time.Duration(cfg.CacheTTL)*time.Second)
	}

	coll, err := collector.New(repo, clock, collector.Config{
		Series:     store.SeriesAPY,
		BatchSize:  cfg.BatchSize,
		BatchDelay: time.Duration(cfg.BatchDelay) * time.Second,
		MinAge:     time.Duration(cfg.WarmupMinAgeHours) * time.Hour,
	})
	if err != nil {
		repo.Close()
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	a.collector = coll

	a.prices = prices.NewService(repo, prices.NewClient(prices.Config{
		BaseURL:        "",
		APIKey:         cfg.CoinGeckoAPIKey,
		RequestTimeout: cfg.RequestTimeout,
	}), clock)

	return a, nil
}

func (a *app) run(ctx context.Context) error {
	switch {
	case a.cfg.Daemon:
		return a.runDaemon(ctx)
	case a.cfg.PurgeOnly:
		return a.runPurge(ctx)
	case a.cfg.PricesOnly:
		_, err := a.prices.Update(ctx, a.cfg.PriceHistoryDays)
		return err
	case a.cfg.SnapshotOnly:
		return a.printSnapshot(ctx)
	case a.cfg.SummaryOnly:
		return a.printSummaries(ctx)
	case a.cfg.ValidatorsOnly:
		return a.printValidators(ctx)
	default:
		return a.runCollect(ctx)
	}
}

// runCollect is the scheduled batch job: sweep the netuid range, record the
// per-id outcomes, then apply retention.
func (a *app) runCollect(ctx context.Context) error {
	errFactory := errors.New()

	if a.client == nil {
		return errFactory.New(errors.ErrMissingConfig).
			WithMessage("api_key is required for collection")
	}

	netuids, err := a.collectTargets(ctx)
	if err != nil {
		return err
	}

	fetch := func(ctx context.Context, netuid int) (any, error) {
		return a.client.AlphaAPY(ctx, netuid)
	}

	var results collector.Results
	if a.cfg.Warmup {
		results, err = a.collector.Warmup(ctx, netuids, fetch)
	} else {
		results, err = a.collector.Run(ctx, netuids, fetch)
	}
	if err != nil {
		return errFactory.Wrap(errors.ErrCollectRun, err)
	}

	if _, err := a.repo.Purge(ctx, store.SeriesAPY, nil); err != nil {
		return err
	}

	attempted := len(results) - results.Skipped()
	if attempted > 0 && results.Succeeded() == 0 {
		return errFactory.WithData(errors.ErrCollectRun, "no netuid collected successfully")
	}

	return nil
}

// collectTargets resolves which netuids to sweep: warmup follows the cached
// set of active subnets, a full run walks the configured range.
func (a *app) collectTargets(ctx context.Context) ([]int, error) {
	if a.cfg.Warmup {
		cached, err := a.repo.CachedNetuids(ctx, store.CacheSubnetInfo)
		if err != nil {
			return nil, err
		}
		if len(cached) > 0 {
			logger.Info().Int("count", len(cached)).Msg("Found active subnets in cache")
			return cached, nil
		}
		logger.Warn().Msg("Subnet cache empty, falling back to configured range")
	}

	netuids := make([]int, 0, a.cfg.EndNetuid-a.cfg.StartNetuid+1)
	for n := a.cfg.StartNetuid; n <= a.cfg.EndNetuid; n++ {
		netuids = append(netuids, n)
	}

	return netuids, nil
}

func (a *app) runPurge(ctx context.Context) error {
	var total int64
	for _, series := range []store.Series{
		store.SeriesAPY, store.SeriesEmissions, store.SeriesEntropy, store.SeriesReputation,
	} {
		deleted, err := a.repo.Purge(ctx, series, nil)
		if err != nil {
			return err
		}
		total += deleted
	}

	logger.Info().Int64("deleted", total).Msg("Retention purge complete")

	return nil
}

func (a *app) runDaemon(ctx context.Context) error {
	errFactory := errors.New()

	if err := pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove pid file")
		}
	}()

	scheduler := cron.New()
	_, err := scheduler.AddFunc(a.cfg.CronSpec, func() {
		if err := a.runCollect(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduled collection failed")
		}
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrScheduleRun, err)
	}

	logger.Info().Str("cron", a.cfg.CronSpec).Msg("Daemon started")
	scheduler.Start()

	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info().Msg("Exiting...")

	return nil
}

func (a *app) printSnapshot(ctx context.Context) error {
	errFactory := errors.New()

	if a.snapshot == nil {
		return errFactory.New(errors.ErrMissingConfig).
			WithMessage("api_key is required for snapshots")
	}

	rows, err := a.snapshot.Combined(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NETUID\tINFO\tSCREENER")
	for _, row := range rows {
		fmt.Fprintf(w, "%d\t%v\t%v\n", row.Netuid, row.Info != nil, row.Screener != nil)
	}

	return w.Flush()
}

func (a *app) printSummaries(ctx context.Context) error {
	latest, err := a.repo.LatestPerNetuid(ctx, store.SeriesAPY)
	if err != nil {
		return err
	}

	summaries, err := stats.SummarizeAll(latest)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("data not yet available")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NETUID\tMIN\tMAX\tMEAN\tMEDIAN\tSTD\tVALIDATORS\tRECORDED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%s\n",
			s.Netuid, s.MinAPY, s.MaxAPY, s.MeanAPY, s.MedianAPY, s.StdAPY,
			s.ValidatorCount, s.RecordedAt.Format(time.RFC3339))
	}

	return w.Flush()
}

func (a *app) printValidators(ctx context.Context) error {
	latest, err := a.repo.LatestPerNetuid(ctx, store.SeriesAPY)
	if err != nil {
		return err
	}

	rows, err := stats.ValidatorRows(latest)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("data not yet available")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NETUID\tRANK\tHOTKEY\tNAME\tAPY\tVTRUST\tSTAKE\tEARNING")
	for _, row := range rows {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%.2f\t%.4f\t%.2f\t%v\n",
			row.Netuid, row.Rank, row.Hotkey, row.ValidatorName,
			row.AlphaAPY, row.VTrust, row.TotalStake, row.IsEarning)
	}

	return w.Flush()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
