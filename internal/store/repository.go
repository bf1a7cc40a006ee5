package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
)

// TimeSeriesRecord is one collection event for one subnet. Append-only; rows
// are only ever removed by the retention purge.
type TimeSeriesRecord struct {
	ID         int64
	Netuid     int
	RecordedAt time.Time
	Payload    json.RawMessage
}

// CacheRecord is one current-state row. At most one row per netuid per cache
// table; replaced wholesale on refresh.
type CacheRecord struct {
	Netuid    int
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Repository is the SQLite-backed store shared by the collector, the
// snapshot cache and the price history service.
type Repository struct {
	db    *sql.DB
	cfg   Config
	clock clockwork.Clock
}

// Open opens (creating if necessary) the database and brings the schema up
// to the current version.
func Open(cfg Config, clock clockwork.Clock) (*Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.DBPath,
				Error: err.Error(),
			})
		}
	}

	// WAL and incremental auto-vacuum, as the purge deletes in bulk
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	logger.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("retention_days", cfg.RetentionDays).
		Int("max_rows_per_netuid", cfg.MaxRowsPerNetuid).
		Msg("Store initialized")

	return &Repository{db: db, cfg: cfg, clock: clock}, nil
}

func (r *Repository) Close() error {
	errFactory := errors.New()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	return nil
}
