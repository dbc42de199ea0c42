// Package database is the relational store layer: a dialect-aware Store
// handle (SQLite or PostgreSQL), one repository per archived entity, the
// data source registry, and the cross-store transfer plan.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownSource indicates the named data source is not registered.
	ErrUnknownSource = errors.New("unknown data source")
)

// Dialect identifies the SQL dialect a Store speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Queryer is the sqlx surface repositories run on; both *sqlx.DB and
// *sqlx.Tx satisfy it, so the same repository code serves pooled reads and
// transactional scrape batches.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Store wraps one relational database plus its dialect. All entity tables
// live in a single schema; EnsureSchema is idempotent.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	name    string
	url     string
}

// Open creates a Store for the given URL without touching the network.
// postgres:// and postgresql:// URLs use the pgx driver; anything else is
// treated as a SQLite path. Connect performs the first I/O.
func Open(name, rawURL string) (*Store, error) {
	dialect := DetectDialect(rawURL)

	var (
		db  *sqlx.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sqlx.Open("pgx", rawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		db, err = sqlx.Open("sqlite", sqliteDSN(rawURL))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if strings.Contains(rawURL, ":memory:") {
			// A pool would hand each connection its own empty database.
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	}

	return &Store{db: db, dialect: dialect, name: name, url: rawURL}, nil
}

// sqliteDSN turns a plain path into a modernc file: DSN carrying the
// per-connection pragmas. WAL allows one writer alongside many readers;
// busy_timeout makes writers wait instead of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	pragmas := "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

// DetectDialect infers the dialect from a data source URL.
func DetectDialect(rawURL string) Dialect {
	if strings.HasPrefix(rawURL, "postgres://") || strings.HasPrefix(rawURL, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Connect pings the database and applies the idempotent schema DDL.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.name, err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema on %s: %w", s.name, err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Available reports whether the store answers a ping right now.
func (s *Store) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Name returns the registry name the store was opened under.
func (s *Store) Name() string { return s.name }

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Label is a human-readable dialect label for the datasource listing.
func (s *Store) Label() string {
	if s.dialect == DialectPostgres {
		return "PostgreSQL"
	}
	return "SQLite"
}

// Detail describes where the store lives, with credentials redacted.
func (s *Store) Detail() string {
	if s.dialect == DialectPostgres {
		if u, err := url.Parse(s.url); err == nil {
			return u.Redacted()
		}
	}
	return s.url
}

// DB exposes the pool for read-only query composition (stats, search).
func (s *Store) DB() *sqlx.DB { return s.db }

// Repos returns the entity repositories bound to the pool.
func (s *Store) Repos() *Repos {
	return NewRepos(s.db)
}

// Tx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) Tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Repos bundles the per-entity repositories over one Queryer (the pool or a
// single transaction).
type Repos struct {
	Guilds      *Guilds
	Users       *Users
	Channels    *Channels
	Messages    *Messages
	Attachments *Attachments
	Reactions   *Reactions
}

// NewRepos binds all repositories to q.
func NewRepos(q Queryer) *Repos {
	return &Repos{
		Guilds:      &Guilds{q: q},
		Users:       &Users{q: q},
		Channels:    &Channels{q: q},
		Messages:    &Messages{q: q},
		Attachments: &Attachments{q: q},
		Reactions:   &Reactions{q: q},
	}
}

// Savepoint opens a named savepoint inside tx. Reactions upsert under one so
// a malformed row rolls back alone instead of poisoning the batch.
func Savepoint(ctx context.Context, tx *sqlx.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo rewinds tx to the named savepoint.
func RollbackTo(ctx context.Context, tx *sqlx.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// Release discards the named savepoint, keeping its writes in the batch.
func Release(ctx context.Context, tx *sqlx.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
