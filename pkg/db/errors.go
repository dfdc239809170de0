package db

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ammar0144/repo4go/pkg/storage"
)

// Driver error codes mapped onto storage errors
const (
	mysqlLockWaitTimeout = 1205
	mysqlLockNoWait      = 3572
	mysqlDuplicateEntry  = 1062

	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// translateError maps driver errors onto the storage sentinels
func translateError(table string, err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlLockNoWait:
			return &storage.LockTimeoutError{Table: table, Err: err}
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %s: %w", storage.ErrDuplicateKey, table, err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return &storage.LockTimeoutError{Table: table, Err: err}
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s: %w", storage.ErrDuplicateKey, table, err)
		}
	}

	return fmt.Errorf("%s: %w", table, err)
}
