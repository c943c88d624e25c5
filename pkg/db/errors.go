package db

import "errors"

var (
	ErrFailedToParseDBConfig    = errors.New("db: failed to parse database configuration")
	ErrFailedToOpenDBConnection = errors.New("db: failed to open database connection")
	ErrHealthcheckFailed        = errors.New("db: healthcheck failed")
	ErrMigrationLock            = errors.New("db migrator: failed to acquire migration lock")
	ErrApplyMigrations          = errors.New("db migrator: failed to apply migrations")
	ErrUnterminatedQuote        = errors.New("db migrator: unterminated quoted region in migration")
)
