package sqlcore

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/metabuilder/dbal/pkg/adapter"
)

// MapError translates an engine error into the uniform adapter error
// taxonomy. The engine message is preserved verbatim; bound parameter values
// never appear in it because drivers report constraint names, not payloads.
func MapError(d Dialect, err error) error {
	if err == nil {
		return nil
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, sql.ErrNoRows) {
		return adapter.NotFound("record not found")
	}

	switch d {
	case DialectPostgres, DialectPrisma:
		return mapPostgresError(err)
	case DialectMySQL:
		return mapMySQLError(err)
	case DialectSQLite:
		return mapSQLiteError(err)
	}
	return adapter.Database(err, "")
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return adapter.Database(err, "")
	}

	switch {
	case pgErr.Code == "23505":
		return adapter.Wrap(adapter.KindConflict, err, "unique constraint violation")
	case pgErr.Code == "23503":
		return adapter.Wrap(adapter.KindValidation, err, "foreign key violation")
	case strings.HasPrefix(pgErr.Code, "23"):
		return adapter.Wrap(adapter.KindValidation, err, "constraint violation")
	case pgErr.Code == "28P01", pgErr.Code == "28000":
		return adapter.Wrap(adapter.KindUnauthorized, err, "authentication failed")
	case strings.HasPrefix(pgErr.Code, "08"):
		return adapter.Wrap(adapter.KindInternal, err, "connection lost")
	case pgErr.Code == "57014":
		return adapter.Wrap(adapter.KindInternal, err, "query timeout")
	default:
		return adapter.Database(err, "postgres error %s: %s", pgErr.Code, pgErr.Message)
	}
}

func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return adapter.Database(err, "")
	}

	switch myErr.Number {
	case 1062, 1586: // ER_DUP_ENTRY
		return adapter.Wrap(adapter.KindConflict, err, "unique constraint violation")
	case 1451, 1452: // foreign key violations
		return adapter.Wrap(adapter.KindValidation, err, "foreign key violation")
	case 1045: // ER_ACCESS_DENIED_ERROR
		return adapter.Wrap(adapter.KindUnauthorized, err, "authentication failed")
	case 2006, 2013: // server gone / lost connection
		return adapter.Wrap(adapter.KindInternal, err, "connection lost")
	case 1205, 1213: // lock wait timeout / deadlock
		return adapter.Wrap(adapter.KindInternal, err, "lock timeout")
	default:
		return adapter.Database(err, "mysql error %d: %s", myErr.Number, myErr.Message)
	}
}

func mapSQLiteError(err error) error {
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return adapter.Database(err, "")
	}

	switch liteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return adapter.Wrap(adapter.KindConflict, err, "unique constraint violation")
	case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
		return adapter.Wrap(adapter.KindValidation, err, "constraint violation")
	}
	switch liteErr.Code {
	case sqlite3.ErrConstraint:
		return adapter.Wrap(adapter.KindConflict, err, "constraint violation")
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return adapter.Database(err, "database is locked: %s", liteErr.Error())
	case sqlite3.ErrCantOpen:
		return adapter.Database(err, "cannot open database: %s", liteErr.Error())
	default:
		return adapter.Database(err, "")
	}
}
