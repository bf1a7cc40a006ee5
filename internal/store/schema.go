package store

import (
	"database/sql"
	"strings"

	"github.com/subnetlab/taometrics/internal/errors"
	"github.com/subnetlab/taometrics/internal/logger"
)

const SchemaVersion = 1

// Series names one append-only time-series table. Each metric family shares
// the same shape: surrogate id, netuid partition key, collection timestamp,
// JSON payload.
type Series string

const (
	SeriesAPY        Series = "subnet_apy"
	SeriesEmissions  Series = "subnet_emissions"
	SeriesEntropy    Series = "subnet_entropy"
	SeriesReputation Series = "subnet_reputation"
)

// CacheTable names one current-state cache table, keyed by netuid and
// replaced wholesale on refresh.
type CacheTable string

const (
	CacheSubnetInfo     CacheTable = "subnet_info"
	CacheSubnetScreener CacheTable = "subnet_screener"
)

var allSeries = []Series{SeriesAPY, SeriesEmissions, SeriesEntropy, SeriesReputation}

var allCacheTables = []CacheTable{CacheSubnetInfo, CacheSubnetScreener}

func (s Series) Valid() bool {
	for _, known := range allSeries {
		if s == known {
			return true
		}
	}
	return false
}

func (t CacheTable) Valid() bool {
	for _, known := range allCacheTables {
		if t == known {
			return true
		}
	}
	return false
}

const seriesTableSQL = `
   CREATE TABLE IF NOT EXISTS %TABLE% (
       id          INTEGER PRIMARY KEY AUTOINCREMENT,
       netuid      INTEGER NOT NULL,
       recorded_at INTEGER NOT NULL,
       payload     TEXT NOT NULL
   );
   CREATE INDEX IF NOT EXISTS idx_%TABLE%_netuid ON %TABLE% (netuid);
   CREATE INDEX IF NOT EXISTS idx_%TABLE%_recorded_at ON %TABLE% (recorded_at);`

const cacheTableSQL = `
   CREATE TABLE IF NOT EXISTS %TABLE% (
       netuid     INTEGER PRIMARY KEY,
       payload    TEXT NOT NULL,
       updated_at INTEGER NOT NULL
   );`

const baseTablesSQL = `
   CREATE TABLE IF NOT EXISTS schema_versions (
       version     INTEGER PRIMARY KEY,
       applied_at  TEXT NOT NULL
   );
   CREATE TABLE IF NOT EXISTS tao_price_history (
       date       INTEGER PRIMARY KEY,
       price_usd  REAL NOT NULL,
       source     TEXT NOT NULL,
       updated_at INTEGER NOT NULL
   );`

// createTablesSQL returns the full DDL for the current schema version.
func createTablesSQL() string {
	var b strings.Builder
	b.WriteString(baseTablesSQL)
	for _, s := range allSeries {
		b.WriteString(strings.ReplaceAll(seriesTableSQL, "%TABLE%", string(s)))
	}
	for _, t := range allCacheTables {
		b.WriteString(strings.ReplaceAll(cacheTableSQL, "%TABLE%", string(t)))
	}
	return b.String()
}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					logger.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL()); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	logger.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
