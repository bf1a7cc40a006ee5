package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func newTestRepo(t *testing.T, clock clockwork.Clock, maxRows int) *Repository {
	t.Helper()

	repo, err := Open(Config{
		DBPath:           filepath.Join(t.TempDir(), "test.db"),
		RetentionDays:    30,
		MaxRowsPerNetuid: maxRows,
	}, clock)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

type testPayload struct {
	Value int `json:"value"`
}

func TestAppendAndLatestFor(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	_, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 1})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 2})
	require.NoError(t, err)

	latest, err := repo.LatestFor(ctx, SeriesAPY, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)

	var payload testPayload
	require.NoError(t, json.Unmarshal(latest.Payload, &payload))
	assert.Equal(t, 2, payload.Value)
	assert.Equal(t, clock.Now().UTC().Truncate(time.Second), latest.RecordedAt)
}

func TestLatestForNoHistory(t *testing.T) {
	repo := newTestRepo(t, testClock(), 100)

	latest, err := repo.LatestFor(context.Background(), SeriesAPY, 42)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLatestForEqualTimestampsPrefersHigherID(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	// Same recorded_at for both rows; the insert order decides
	first, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 1})
	require.NoError(t, err)
	second, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 2})
	require.NoError(t, err)
	require.Greater(t, second, first)

	latest, err := repo.LatestFor(ctx, SeriesAPY, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.ID)
}

func TestLatestPerNetuid(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	for _, netuid := range []int{3, 1, 2} {
		_, err := repo.Append(ctx, SeriesAPY, netuid, testPayload{Value: netuid})
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = repo.Append(ctx, SeriesAPY, netuid, testPayload{Value: netuid * 10})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	latest, err := repo.LatestPerNetuid(ctx, SeriesAPY)
	require.NoError(t, err)
	require.Len(t, latest, 3)

	for i, rec := range latest {
		assert.Equal(t, i+1, rec.Netuid)
		var payload testPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &payload))
		assert.Equal(t, rec.Netuid*10, payload.Value)
	}
}

func TestUnknownSeriesRejected(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, testClock(), 100)

	_, err := repo.Append(ctx, Series("bogus"), 1, testPayload{})
	require.Error(t, err)

	_, err = repo.Purge(ctx, Series("bogus"), nil)
	require.Error(t, err)
}

func TestPurgeCountRule(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	for i := 0; i < 150; i++ {
		_, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: i})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	deleted, err := repo.Purge(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50), deleted)

	count, err := repo.Count(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)

	// The newest row survived
	latest, err := repo.LatestFor(ctx, SeriesAPY, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	var payload testPayload
	require.NoError(t, json.Unmarshal(latest.Payload, &payload))
	assert.Equal(t, 149, payload.Value)
}

func TestPurgeCountRulePerNetuid(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 5)

	for i := 0; i < 8; i++ {
		_, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: i})
		require.NoError(t, err)
		_, err = repo.Append(ctx, SeriesAPY, 2, testPayload{Value: i})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	deleted, err := repo.Purge(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), deleted)

	for _, netuid := range []int{1, 2} {
		n := netuid
		count, err := repo.Count(ctx, SeriesAPY, &n)
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
	}
}

func TestPurgeEqualTimestampsKeepsHighestIDs(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 2)

	// Four rows with identical recorded_at; only id breaks the tie
	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	deleted, err := repo.Purge(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := repo.LatestPerNetuid(ctx, SeriesAPY)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[3], remaining[0].ID)

	count, err := repo.Count(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPurgeAgeRule(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	_, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 1})
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	_, err = repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 2})
	require.NoError(t, err)

	deleted, err := repo.Purge(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := repo.Count(ctx, SeriesAPY, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPurgeScopedToNetuid(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 1)

	for i := 0; i < 3; i++ {
		_, err := repo.Append(ctx, SeriesAPY, 1, testPayload{Value: i})
		require.NoError(t, err)
		_, err = repo.Append(ctx, SeriesAPY, 2, testPayload{Value: i})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	one := 1
	deleted, err := repo.Purge(ctx, SeriesAPY, &one)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	two := 2
	count, err := repo.Count(ctx, SeriesAPY, &two)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestReplaceCacheDropsAbsentNetuids(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	err := repo.ReplaceCache(ctx, CacheSubnetInfo, map[int]json.RawMessage{
		1: json.RawMessage(`{"name":"one"}`),
		2: json.RawMessage(`{"name":"two"}`),
		3: json.RawMessage(`{"name":"three"}`),
	})
	require.NoError(t, err)

	err = repo.ReplaceCache(ctx, CacheSubnetInfo, map[int]json.RawMessage{
		2: json.RawMessage(`{"name":"two"}`),
		4: json.RawMessage(`{"name":"four"}`),
	})
	require.NoError(t, err)

	netuids, err := repo.CachedNetuids(ctx, CacheSubnetInfo)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, netuids)
}

func TestFreshCacheCutoff(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	err := repo.ReplaceCache(ctx, CacheSubnetScreener, map[int]json.RawMessage{
		1: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// Rows updated now are fresh against a cutoff in the past
	fresh, err := repo.FreshCache(ctx, CacheSubnetScreener, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	// After the TTL window passes they stop qualifying
	clock.Advance(10 * time.Minute)
	fresh, err = repo.FreshCache(ctx, CacheSubnetScreener, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)

	stale, err := repo.AllCache(ctx, CacheSubnetScreener)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestCacheTablesAreIndependent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, testClock(), 100)

	err := repo.ReplaceCache(ctx, CacheSubnetInfo, map[int]json.RawMessage{
		1: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	netuids, err := repo.CachedNetuids(ctx, CacheSubnetScreener)
	require.NoError(t, err)
	assert.Empty(t, netuids)
}

func TestInsertPricesSkipsExistingDays(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	repo := newTestRepo(t, clock, 100)

	day := time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC)
	added, err := repo.InsertPrices(ctx, []PriceRecord{
		{Date: day, PriceUSD: 300, Source: "coingecko"},
		{Date: day.AddDate(0, 0, 1), PriceUSD: 305, Source: "coingecko"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Re-inserting the same days plus one new day adds only the new one
	added, err = repo.InsertPrices(ctx, []PriceRecord{
		{Date: day, PriceUSD: 99, Source: "coingecko"},
		{Date: day.AddDate(0, 0, 2), PriceUSD: 310, Source: "coingecko"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	latest, err := repo.LatestPrice(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, day.AddDate(0, 0, 2), latest.Date)
	assert.Equal(t, 310.0, latest.PriceUSD)
}

func TestLatestPriceEmptyHistory(t *testing.T) {
	repo := newTestRepo(t, testClock(), 100)

	latest, err := repo.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestReopenPersistsData(t *testing.T) {
	ctx := context.Background()
	clock := testClock()
	cfg := Config{
		DBPath:           filepath.Join(t.TempDir(), "test.db"),
		RetentionDays:    30,
		MaxRowsPerNetuid: 100,
	}

	repo, err := Open(cfg, clock)
	require.NoError(t, err)
	_, err = repo.Append(ctx, SeriesAPY, 1, testPayload{Value: 7})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = Open(cfg, clock)
	require.NoError(t, err)
	defer repo.Close()

	latest, err := repo.LatestFor(ctx, SeriesAPY, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
}
