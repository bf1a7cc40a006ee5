package store

import "github.com/subnetlab/taometrics/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")
	ErrUnknownSeries = errors.ErrorCode("store_unknown_series")
	ErrUnknownTable  = errors.ErrorCode("store_unknown_cache_table")

	// Schema errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("store_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage errors
	ErrStorageAccess = errors.ErrorCode("store_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrPurgeFailed   = errors.ErrorCode("store_purge_failed")
)
