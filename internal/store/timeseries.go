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

// Append inserts one collection event for a subnet, stamped with the current
// clock time.
func (r *Repository) Append(ctx context.Context, series Series, netuid int, payload any) (int64, error) {
	errFactory := errors.New()

	if !series.Valid() {
		return 0, errFactory.WithData(ErrUnknownSeries, string(series))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (netuid, recorded_at, payload) VALUES (?, ?, ?)", series)
	res, err := r.db.ExecContext(ctx, query, netuid, r.clock.Now().UTC().Unix(), string(raw))
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return id, nil
}

// LatestPerNetuid returns the most recent record for every netuid present in
// the series. Ties on recorded_at are broken by surrogate id descending.
func (r *Repository) LatestPerNetuid(ctx context.Context, series Series) ([]TimeSeriesRecord, error) {
	errFactory := errors.New()

	if !series.Valid() {
		return nil, errFactory.WithData(ErrUnknownSeries, string(series))
	}

	query := fmt.Sprintf(`
        SELECT t.id, t.netuid, t.recorded_at, t.payload
        FROM %[1]s t
        WHERE t.id = (
            SELECT t2.id FROM %[1]s t2
            WHERE t2.netuid = t.netuid
            ORDER BY t2.recorded_at DESC, t2.id DESC
            LIMIT 1
        )
        ORDER BY t.netuid`, series)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	return scanTimeSeriesRows(rows)
}

// LatestFor returns the most recent record for one netuid, or nil when the
// subnet has no history yet.
func (r *Repository) LatestFor(ctx context.Context, series Series, netuid int) (*TimeSeriesRecord, error) {
	errFactory := errors.New()

	if !series.Valid() {
		return nil, errFactory.WithData(ErrUnknownSeries, string(series))
	}

	query := fmt.Sprintf(`
        SELECT id, netuid, recorded_at, payload
        FROM %s
        WHERE netuid = ?
        ORDER BY recorded_at DESC, id DESC
        LIMIT 1`, series)

	var rec TimeSeriesRecord
	var recordedAt int64
	var payload string
	err := r.db.QueryRowContext(ctx, query, netuid).
		Scan(&rec.ID, &rec.Netuid, &recordedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	rec.RecordedAt = time.Unix(recordedAt, 0).UTC()
	rec.Payload = json.RawMessage(payload)

	return &rec, nil
}

// Count returns the number of records in a series, optionally for one netuid.
func (r *Repository) Count(ctx context.Context, series Series, netuid *int) (int64, error) {
	errFactory := errors.New()

	if !series.Valid() {
		return 0, errFactory.WithData(ErrUnknownSeries, string(series))
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", series)
	var args []any
	if netuid != nil {
		query += " WHERE netuid = ?"
		args = append(args, *netuid)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return count, nil
}

// Purge applies the retention policy to one series: an age rule dropping
// records older than RetentionDays, and a per-netuid count rule keeping only
// the newest MaxRowsPerNetuid rows. Both run in one transaction; a nil netuid
// purges every subnet. Returns the total number of rows removed.
func (r *Repository) Purge(ctx context.Context, series Series, netuid *int) (int64, error) {
	errFactory := errors.New()

	if !series.Valid() {
		return 0, errFactory.WithData(ErrUnknownSeries, string(series))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				logger.Debug().Err(err).Msg("Failed to rollback purge")
			}
		}
	}()

	var total int64

	// Age rule
	cutoff := r.clock.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays).Unix()
	ageQuery := fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", series)
	ageArgs := []any{cutoff}
	if netuid != nil {
		ageQuery += " AND netuid = ?"
		ageArgs = append(ageArgs, *netuid)
	}
	res, err := tx.ExecContext(ctx, ageQuery, ageArgs...)
	if err != nil {
		return 0, errFactory.Wrap(ErrPurgeFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	// Count rule, per netuid
	netuids, err := purgeCandidates(ctx, tx, series, netuid)
	if err != nil {
		return 0, err
	}
	for _, n := range netuids {
		deleted, err := r.purgeExcessRows(ctx, tx, series, n)
		if err != nil {
			return 0, err
		}
		total += deleted
	}

	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	logger.Info().
		Str("series", string(series)).
		Int64("deleted", total).
		Msg("Purged old records")

	return total, nil
}

func purgeCandidates(ctx context.Context, tx *sql.Tx, series Series, netuid *int) ([]int, error) {
	if netuid != nil {
		return []int{*netuid}, nil
	}

	errFactory := errors.New()

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT netuid FROM %s", series))
	if err != nil {
		return nil, errFactory.Wrap(ErrPurgeFailed, err)
	}
	defer rows.Close()

	var netuids []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, errFactory.Wrap(ErrPurgeFailed, err)
		}
		netuids = append(netuids, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrPurgeFailed, err)
	}

	return netuids, nil
}

// purgeExcessRows keeps exactly the newest MaxRowsPerNetuid rows for one
// netuid. The boundary row is chosen by recorded_at descending with surrogate
// id descending as the tiebreak, so equal timestamps purge deterministically.
func (r *Repository) purgeExcessRows(ctx context.Context, tx *sql.Tx, series Series, netuid int) (int64, error) {
	errFactory := errors.New()

	var count int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE netuid = ?", series), netuid).
		Scan(&count)
	if err != nil {
		return 0, errFactory.Wrap(ErrPurgeFailed, err)
	}
	if count <= r.cfg.MaxRowsPerNetuid {
		return 0, nil
	}

	var boundaryAt, boundaryID int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
        SELECT recorded_at, id FROM %s
        WHERE netuid = ?
        ORDER BY recorded_at DESC, id DESC
        LIMIT 1 OFFSET ?`, series),
		netuid, r.cfg.MaxRowsPerNetuid-1).
		Scan(&boundaryAt, &boundaryID)
	if err != nil {
		return 0, errFactory.Wrap(ErrPurgeFailed, err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
        DELETE FROM %s
        WHERE netuid = ?
          AND (recorded_at < ? OR (recorded_at = ? AND id < ?))`, series),
		netuid, boundaryAt, boundaryAt, boundaryID)
	if err != nil {
		return 0, errFactory.Wrap(ErrPurgeFailed, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errFactory.Wrap(ErrPurgeFailed, err)
	}

	return deleted, nil
}

func scanTimeSeriesRows(rows *sql.Rows) ([]TimeSeriesRecord, error) {
	errFactory := errors.New()

	var records []TimeSeriesRecord
	for rows.Next() {
		var rec TimeSeriesRecord
		var recordedAt int64
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Netuid, &recordedAt, &payload); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rec.RecordedAt = time.Unix(recordedAt, 0).UTC()
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}
