package store

import "github.com/subnetlab/taometrics/internal/errors"

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/taometrics/taometrics.db"
)

type Config struct {
	DBPath           string
	RetentionDays    int
	MaxRowsPerNetuid int
	BackupOnMigrate  bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:           defaultDBPath,
		RetentionDays:    30,
		MaxRowsPerNetuid: 1000,
		BackupOnMigrate:  true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.RetentionDays <= 0 || c.MaxRowsPerNetuid <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "retention bounds must be positive")
	}

	return nil
}
