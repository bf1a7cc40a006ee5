package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
)

// FreshCache returns the cached rows whose updated_at is strictly newer than
// cutoff. An empty result means the cache is stale (or empty) and the caller
// should refetch.
func (r *Repository) FreshCache(ctx context.Context, table CacheTable, cutoff time.Time) ([]CacheRecord, error) {
	return r.cacheRows(ctx, table, &cutoff)
}

// AllCache returns every cached row regardless of freshness. Used for the
// stale-cache fallback when the upstream is unavailable.
func (r *Repository) AllCache(ctx context.Context, table CacheTable) ([]CacheRecord, error) {
	return r.cacheRows(ctx, table, nil)
}

func (r *Repository) cacheRows(ctx context.Context, table CacheTable, cutoff *time.Time) ([]CacheRecord, error) {
	errFactory := errors.New()

	if !table.Valid() {
		return nil, errFactory.WithData(ErrUnknownTable, string(table))
	}

	query := fmt.Sprintf("SELECT netuid, payload, updated_at FROM %s", table)
	var args []any
	if cutoff != nil {
		query += " WHERE updated_at > ?"
		args = append(args, cutoff.UTC().Unix())
	}
	query += " ORDER BY netuid"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var records []CacheRecord
	for rows.Next() {
		var rec CacheRecord
		var payload string
		var updatedAt int64
		if err := rows.Scan(&rec.Netuid, &payload, &updatedAt); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

// ReplaceCache swaps the full contents of a cache table for the given rows in
// one transaction. Netuids absent from the new set disappear. Only called
// after a successful upstream fetch, so a failed fetch never clears stale
// rows.
func (r *Repository) ReplaceCache(ctx context.Context, table CacheTable, payloads map[int]json.RawMessage) error {
	errFactory := errors.New()

	if !table.Valid() {
		return errFactory.WithData(ErrUnknownTable, string(table))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				logger.Debug().Err(err).Msg("Failed to rollback cache replace")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (netuid, payload, updated_at) VALUES (?, ?, ?)", table))
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	defer stmt.Close()

	now := r.clock.Now().UTC().Unix()
	for netuid, payload := range payloads {
		if _, err := stmt.ExecContext(ctx, netuid, string(payload), now); err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	logger.Debug().
		Str("table", string(table)).
		Int("rows", len(payloads)).
		Msg("Cache replaced")

	return nil
}

// CachedNetuids returns the netuids currently present in a cache table, in
// ascending order. The warmup job uses this as the set of active subnets.
func (r *Repository) CachedNetuids(ctx context.Context, table CacheTable) ([]int, error) {
	errFactory := errors.New()

	if !table.Valid() {
		return nil, errFactory.WithData(ErrUnknownTable, string(table))
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT netuid FROM %s ORDER BY netuid", table))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var netuids []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		netuids = append(netuids, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return netuids, nil
}
