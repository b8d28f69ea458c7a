// Package sqlstore keeps FHIR resources and value set expansions in a SQL database and
// serves them to the engine as data and terminology providers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"  // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Sentinel errors
var (
	ErrEmptyDatabaseURL    = errors.New("database URL is empty")
	ErrInvalidDatabaseURL  = errors.New("invalid database URL")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrConnectionFailed    = errors.New("database connection failed")
	ErrInvalidBundle       = errors.New("invalid FHIR bundle")
)

// Dialect identifies the SQL flavour of a store.
type Dialect string

const (
	PostgreSQL Dialect = "postgresql"
	MySQL      Dialect = "mysql"
	SQLite     Dialect = "sqlite"
)

// Placeholder returns the bind parameter marker for the n-th argument (1-based).
func (d Dialect) Placeholder(n int) string {
	if d == PostgreSQL {
		return "$" + strconv.Itoa(n)
	}

	return "?"
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case PostgreSQL:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// PoolSettings defines database connection pool configuration
type PoolSettings struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolSettings are applied by Open.
var DefaultPoolSettings = PoolSettings{
	MaxOpenConns:    25,
	MaxIdleConns:    25,
	ConnMaxLifetime: 5 * time.Minute,
}

// ParseDatabaseURL extracts the dialect from a connection URL
func ParseDatabaseURL(databaseURL string) (Dialect, error) {
	if databaseURL == "" {
		return "", ErrEmptyDatabaseURL
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDatabaseURL, err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return PostgreSQL, nil
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabase, u.Scheme)
	}
}

// DriverString converts a connection URL to the DSN format of the dialect's driver
func DriverString(databaseURL string, dialect Dialect) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDatabaseURL, err)
	}

	switch dialect {
	case PostgreSQL:
		if u.Host == "" {
			return "", fmt.Errorf("%w: host is required", ErrInvalidDatabaseURL)
		}

		u.Scheme = "postgres"

		query := u.Query()
		if query.Get("sslmode") == "" {
			query.Set("sslmode", "disable")
		}

		u.RawQuery = query.Encode()

		return u.String(), nil
	case MySQL:
		if u.Host == "" {
			return "", fmt.Errorf("%w: host is required", ErrInvalidDatabaseURL)
		}

		var auth string
		if u.User != nil {
			auth = u.User.Username()
			if password, ok := u.User.Password(); ok {
				auth += ":" + password
			}

			auth += "@"
		}

		dsn := fmt.Sprintf("%stcp(%s)/%s", auth, u.Host, strings.TrimPrefix(u.Path, "/"))
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}

		return dsn, nil
	case SQLite:
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}

		if path == "" {
			return "", fmt.Errorf("%w: database path is required", ErrInvalidDatabaseURL)
		}

		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}

		return path, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabase, dialect)
	}
}

// DialectFromDriver maps a configured driver name to its dialect
func DialectFromDriver(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return PostgreSQL, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabase, driver)
	}
}

// Open connects to the database of a connection URL and verifies it with a ping.
func Open(ctx context.Context, databaseURL string, options ...Option) (*Store, error) {
	return Connect(ctx, "", databaseURL, options...)
}

// Connect opens a database from a configured driver and connection. Without a driver the
// dialect comes from the URL scheme; with one, a connection without a scheme is passed to the
// driver as is.
func Connect(ctx context.Context, driver, connection string, options ...Option) (*Store, error) {
	if connection == "" {
		return nil, ErrEmptyDatabaseURL
	}

	var (
		dialect Dialect
		err     error
	)

	if driver != "" {
		dialect, err = DialectFromDriver(driver)
	} else {
		dialect, err = ParseDatabaseURL(connection)
	}

	if err != nil {
		return nil, err
	}

	dsn := connection
	if strings.Contains(connection, "://") {
		dsn, err = DriverString(connection, dialect)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(DefaultPoolSettings.MaxOpenConns)
	db.SetMaxIdleConns(DefaultPoolSettings.MaxIdleConns)
	db.SetConnMaxLifetime(DefaultPoolSettings.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return NewStore(db, dialect, options...), nil
}
