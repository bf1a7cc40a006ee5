package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/subnetlab/taometrics/internal/errors"
)

// PriceRecord is one daily close of the TAO/USD price.
type PriceRecord struct {
	Date      time.Time
	PriceUSD  float64
	Source    string
	UpdatedAt time.Time
}

// PriceDates returns the set of days already present in the price history,
// keyed by midnight-UTC unix time.
func (r *Repository) PriceDates(ctx context.Context) (map[int64]bool, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, "SELECT date FROM tao_price_history")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	dates := make(map[int64]bool)
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		dates[d] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return dates, nil
}

// InsertPrices stores the given daily closes, skipping days already present.
// Returns the number of rows added.
func (r *Repository) InsertPrices(ctx context.Context, records []PriceRecord) (int, error) {
	errFactory := errors.New()

	existing, err := r.PriceDates(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO tao_price_history (date, price_usd, source, updated_at)
        VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer stmt.Close()

	now := r.clock.Now().UTC().Unix()
	added := 0
	for _, rec := range records {
		day := rec.Date.UTC().Truncate(24 * time.Hour).Unix()
		if existing[day] {
			continue
		}
		if _, err := stmt.ExecContext(ctx, day, rec.PriceUSD, rec.Source, now); err != nil {
			return 0, errFactory.Wrap(ErrStorageAccess, err)
		}
		existing[day] = true
		added++
	}

	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return added, nil
}

// LatestPrice returns the most recent stored daily close, or nil when the
// history is empty.
func (r *Repository) LatestPrice(ctx context.Context) (*PriceRecord, error) {
	errFactory := errors.New()

	var rec PriceRecord
	var day, updatedAt int64
	err := r.db.QueryRowContext(ctx, `
        SELECT date, price_usd, source, updated_at
        FROM tao_price_history
        ORDER BY date DESC
        LIMIT 1`).
		Scan(&day, &rec.PriceUSD, &rec.Source, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	rec.Date = time.Unix(day, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &rec, nil
}
