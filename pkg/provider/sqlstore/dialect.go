package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	// DialectPostgres uses github.com/lib/pq.
	DialectPostgres Dialect = "postgres"
	// DialectMySQL uses github.com/go-sql-driver/mysql.
	DialectMySQL Dialect = "mysql"
)

const (
	pqUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	mysqlDuplicateKeyErr = 1022
)

// ParseDialect converts a configuration value to a Dialect.
func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", value)
	}
}

func (d Dialect) driverName() string {
	return string(d)
}

type statements struct {
	schema string
	insert string
	update string
	unlock string
	extend string
	find   string
	delete string
}

func (d Dialect) statements(table string) statements {
	switch d {
	case DialectMySQL:
		return statements{
			schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until DATETIME(3) NOT NULL,
	locked_at DATETIME(3) NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, table),
			insert: fmt.Sprintf("INSERT INTO %s (name, lock_until, locked_at, locked_by) VALUES (?, ?, ?, ?)", table),
			update: fmt.Sprintf("UPDATE %s SET lock_until = ?, locked_at = ?, locked_by = ? WHERE name = ? AND lock_until <= ?", table),
			unlock: fmt.Sprintf("UPDATE %s SET lock_until = ? WHERE name = ?", table),
			extend: fmt.Sprintf("UPDATE %s SET lock_until = ? WHERE name = ? AND locked_by = ? AND lock_until > ?", table),
			find:   fmt.Sprintf("SELECT name, lock_until, locked_at, locked_by FROM %s WHERE name = ?", table),
			delete: fmt.Sprintf("DELETE FROM %s WHERE name = ?", table),
		}
	default:
		return statements{
			schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until TIMESTAMP(3) NOT NULL,
	locked_at TIMESTAMP(3) NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, table),
			insert: fmt.Sprintf("INSERT INTO %s (name, lock_until, locked_at, locked_by) VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING", table),
			update: fmt.Sprintf("UPDATE %s SET lock_until = $1, locked_at = $2, locked_by = $3 WHERE name = $4 AND lock_until <= $5", table),
			unlock: fmt.Sprintf("UPDATE %s SET lock_until = $1 WHERE name = $2", table),
			extend: fmt.Sprintf("UPDATE %s SET lock_until = $1 WHERE name = $2 AND locked_by = $3 AND lock_until > $4", table),
			find:   fmt.Sprintf("SELECT name, lock_until, locked_at, locked_by FROM %s WHERE name = $1", table),
			delete: fmt.Sprintf("DELETE FROM %s WHERE name = $1", table),
		}
	}
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry || mysqlErr.Number == mysqlDuplicateKeyErr
	}
	return false
}

// normalizeMySQLDSN makes the driver scan DATETIME columns into UTC time.Time
// values and report matched rows, so an update writing identical values still
// counts as affected.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
