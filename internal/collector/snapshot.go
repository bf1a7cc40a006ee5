package collector

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/subnetlab/taometrics/internal/logger"
	"github.com/subnetlab/taometrics/internal/store"
	"github.com/subnetlab/taometrics/internal/taoapi"
)

// Snapshot serves the current-state subnet endpoints through the persisted
// cache: rows fresher than the TTL are returned as-is, otherwise the endpoint
// is refetched and the cache replaced wholesale. A failed refetch falls back
// to whatever stale rows exist rather than erroring, so the upstream being
// down degrades to old data instead of no data.
//
// The fetch-then-replace sequence holds no lock across the fetch; two cold
// readers may both hit upstream. Last writer wins, which is accepted for the
// single-process deployment this runs in.
type Snapshot struct {
	repo   *store.Repository
	client *taoapi.Client
	clock  clockwork.Clock
	ttl    time.Duration
}

// CombinedRow is the outer join of the info and screener caches for one
// netuid. Either payload may be nil when that endpoint did not report the
// subnet.
type CombinedRow struct {
	Netuid   int
	Info     json.RawMessage
	Screener json.RawMessage
}

func NewSnapshot(repo *store.Repository, client *taoapi.Client, clock clockwork.Clock, ttl time.Duration) *Snapshot {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Snapshot{repo: repo, client: client, clock: clock, ttl: ttl}
}

// SubnetInfo returns the cached-or-fetched analytics rows.
func (s *Snapshot) SubnetInfo(ctx context.Context) ([]store.CacheRecord, error) {
	return s.load(ctx, store.CacheSubnetInfo, s.client.SubnetInfo)
}

// SubnetScreener returns the cached-or-fetched screener rows.
func (s *Snapshot) SubnetScreener(ctx context.Context) ([]store.CacheRecord, error) {
	return s.load(ctx, store.CacheSubnetScreener, s.client.SubnetScreener)
}

// Combined outer-joins the two current-state endpoints by netuid.
func (s *Snapshot) Combined(ctx context.Context) ([]CombinedRow, error) {
	info, err := s.SubnetInfo(ctx)
	if err != nil {
		return nil, err
	}
	screener, err := s.SubnetScreener(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[int]*CombinedRow, len(info))
	for _, rec := range info {
		merged[rec.Netuid] = &CombinedRow{Netuid: rec.Netuid, Info: rec.Payload}
	}
	for _, rec := range screener {
		row, ok := merged[rec.Netuid]
		if !ok {
			row = &CombinedRow{Netuid: rec.Netuid}
			merged[rec.Netuid] = row
		}
		row.Screener = rec.Payload
	}

	rows := make([]CombinedRow, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Netuid < rows[j].Netuid })

	return rows, nil
}

func (s *Snapshot) load(ctx context.Context, table store.CacheTable,
	fetch func(context.Context) ([]taoapi.SubnetRecord, error),
) ([]store.CacheRecord, error) {
	cutoff := s.clock.Now().UTC().Add(-s.ttl)
	fresh, err := s.repo.FreshCache(ctx, table, cutoff)
	if err != nil {
		return nil, err
	}
	// Any fresh row validates the whole cached set for this table
	if len(fresh) > 0 {
		return fresh, nil
	}

	records, err := fetch(ctx)
	if err != nil {
		stale, staleErr := s.repo.AllCache(ctx, table)
		if staleErr == nil && len(stale) > 0 {
			logger.Warn().
				Err(err).
				Str("table", string(table)).
				Int("rows", len(stale)).
				Msg("Upstream fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	payloads := make(map[int]json.RawMessage, len(records))
	for _, rec := range records {
		payloads[rec.Netuid] = rec.Payload
	}
	if err := s.repo.ReplaceCache(ctx, table, payloads); err != nil {
		return nil, err
	}

	// Return what was written: a repeated netuid in the response collapses
	// to one cache row, and the first read must match later ones.
	now := s.clock.Now().UTC()
	fresh = make([]store.CacheRecord, 0, len(payloads))
	for netuid, payload := range payloads {
		fresh = append(fresh, store.CacheRecord{
			Netuid:    netuid,
			Payload:   payload,
			UpdatedAt: now,
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Netuid < fresh[j].Netuid })

	return fresh, nil
}
