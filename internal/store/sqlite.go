// Package store provides SQLite-based persistence for stepstore.
// It manages timesteps, drawing objects, colour maps, figures and the
// geometry records that hold encoded data blocks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"
)

var (
	storeQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepstore_store_queries_total",
		Help: "Statements issued against record stores",
	}, []string{"op"})
	storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepstore_store_failures_total",
		Help: "Statements that failed",
	}, []string{"op"})
)

var (
	ErrStoreOpen   = errors.New("cannot open store")
	ErrWriteDenied = errors.New("write denied on read-only store")
	ErrQuery       = errors.New("query failed")
	ErrTxActive    = errors.New("write transaction already active")
	ErrNotFound    = errors.New("record not found")
)

// schemaToken is replaced by the attached database prefix in cross-store SQL
const schemaToken = "{src}"

var validPrefix = regexp.MustCompile(`^[a-z][a-z0-9_]{0,8}$`)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is a single connection to an SQLite file or an in-memory database
type Store struct {
	db       *sql.DB
	path     string
	readonly bool
	silent   bool
	legacy   bool // geometry table predates the delta and path columns
	logger   *slog.Logger

	tx        *sql.Tx
	prefix    string // attached database prefix
	attached  string // attached database file
	attachSeq int

	queries atomic.Uint64
}

// Option configures a Store
type Option func(*Store)

// WithWrite opens the store read-write. Stores are read-only by default.
func WithWrite(write bool) Option {
	return func(s *Store) { s.readonly = !write }
}

// WithSilent suppresses logging of failed statements
func WithSilent(silent bool) Option {
	return func(s *Store) { s.silent = silent }
}

// WithLogger sets the logger used for failed statements
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens the store at path. An empty path creates an in-memory store,
// which is always writable. Opening a missing or unreadable file read-only
// fails with ErrStoreOpen.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, readonly: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if path == "" {
		s.readonly = false
	}
	s.logger = s.logger.With(slog.String("component", "store"))

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	dsn := ":memory:"
	if s.path != "" {
		if s.readonly {
			if _, err := os.Stat(s.path); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrStoreOpen, s.path, err)
			}
			dsn = s.path + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
		} else {
			dir := filepath.Dir(s.path)
			if dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("%w: create directory: %v", ErrStoreOpen, err)
				}
			}
			dsn = s.path + "?_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreOpen, s.path, err)
	}

	// One connection: ATTACH, transactions and in-memory databases are
	// all per connection in SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Reading the schema forces SQLite to validate the file header
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return fmt.Errorf("%w: %s: %v", ErrStoreOpen, s.path, err)
	}

	s.db = db
	s.legacy = s.detectLegacy()
	return nil
}

// Close closes the connection, implicitly detaching any attached store
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.tx = nil
	s.prefix, s.attached = "", ""
	return err
}

// Reopen closes and reopens the same file with a new write mode.
// In-memory stores are left untouched since closing would drop their data.
func (s *Store) Reopen(write bool) error {
	if s.Memory() {
		return nil
	}
	if s.tx != nil {
		return ErrTxActive
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close before reopen: %w", err)
	}
	s.readonly = !write
	return s.open()
}

// IsOpen reports whether the connection handle is live
func (s *Store) IsOpen() bool { return s != nil && s.db != nil }

// Path returns the backing file, empty for in-memory stores
func (s *Store) Path() string { return s.path }

// Memory reports whether the store is an ephemeral in-memory instance
func (s *Store) Memory() bool { return s.path == "" }

// ReadOnly reports whether writes are rejected
func (s *Store) ReadOnly() bool { return s.readonly }

// Silent reports whether failed statements are logged
func (s *Store) Silent() bool { return s.silent }

// SetSilent toggles logging of failed statements
func (s *Store) SetSilent(silent bool) { s.silent = silent }

// QueryCount returns the number of statements issued since open
func (s *Store) QueryCount() uint64 { return s.queries.Load() }

func (s *Store) count(op string) {
	s.queries.Add(1)
	storeQueries.WithLabelValues(op).Inc()
}

// DB returns the underlying database connection for advanced queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query is a parameterized statement. The SQL may reference the attached
// store through the {src} token, bound with From.
type Query struct {
	SQL    string
	Args   []any
	schema string
}

// Q builds a parameterized query
func Q(sql string, args ...any) Query {
	return Query{SQL: sql, Args: args}
}

// From binds the {src} token to an attached store prefix
func (q Query) From(prefix string) Query {
	q.schema = prefix
	return q
}

func (q Query) text() (string, error) {
	if !strings.Contains(q.SQL, schemaToken) {
		return q.SQL, nil
	}
	if !validPrefix.MatchString(q.schema) {
		return "", fmt.Errorf("%w: invalid schema prefix %q", ErrQuery, q.schema)
	}
	return strings.ReplaceAll(q.SQL, schemaToken, q.schema), nil
}

func (s *Store) conn() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Select runs a read query. The returned rows are positioned before the first
// row and must be closed by the caller.
func (s *Store) Select(ctx context.Context, q Query) (*sql.Rows, error) {
	if !s.IsOpen() {
		return nil, fmt.Errorf("%w: store is not open", ErrQuery)
	}
	text, err := q.text()
	if err != nil {
		return nil, s.fail("select", q.SQL, err)
	}
	s.count("select")
	rows, err := s.conn().QueryContext(ctx, text, q.Args...)
	if err != nil {
		return nil, s.fail("select", text, err)
	}
	return rows, nil
}

// selectRow runs a single-row query and scans it into dest.
// Returns ErrNotFound when no row matches.
func (s *Store) selectRow(ctx context.Context, q Query, dest ...any) error {
	rows, err := s.Select(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return s.fail("select", q.SQL, err)
		}
		return ErrNotFound
	}
	if err := rows.Scan(dest...); err != nil {
		return s.fail("scan", q.SQL, err)
	}
	return nil
}

// Issue runs a write statement. A read-only store rejects it with
// ErrWriteDenied without touching the database.
func (s *Store) Issue(ctx context.Context, q Query) error {
	_, err := s.Exec(ctx, q)
	return err
}

// Exec is Issue returning the driver result
func (s *Store) Exec(ctx context.Context, q Query) (sql.Result, error) {
	if !s.IsOpen() {
		return nil, fmt.Errorf("%w: store is not open", ErrQuery)
	}
	if s.readonly {
		err := fmt.Errorf("%w: %s", ErrWriteDenied, s.path)
		if !s.silent {
			s.logger.Warn("write rejected", "path", s.path)
		}
		return nil, err
	}
	text, err := q.text()
	if err != nil {
		return nil, s.fail("issue", q.SQL, err)
	}
	s.count("issue")
	res, err := s.conn().ExecContext(ctx, text, q.Args...)
	if err != nil {
		return nil, s.fail("issue", text, err)
	}
	return res, nil
}

func (s *Store) fail(op, text string, err error) error {
	storeFailures.WithLabelValues(op).Inc()
	if !s.silent {
		s.logger.Error("statement failed", "op", op, "sql", compactSQL(text), "error", err)
	}
	if errors.Is(err, ErrQuery) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrQuery, op, err)
}

func compactSQL(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// WithTx runs fn inside a write transaction. Statements issued through the
// store while fn runs join the transaction. Only one transaction may be
// active at a time.
func (s *Store) WithTx(ctx context.Context, fn func() error) (retErr error) {
	if !s.IsOpen() {
		return fmt.Errorf("%w: store is not open", ErrQuery)
	}
	if s.readonly {
		return fmt.Errorf("%w: %s", ErrWriteDenied, s.path)
	}
	if s.tx != nil {
		return ErrTxActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin", "BEGIN", err)
	}
	s.tx = tx
	defer func() {
		s.tx = nil
		if retErr != nil {
			_ = tx.Rollback()
			return
		}
		if err := tx.Commit(); err != nil {
			retErr = s.fail("commit", "COMMIT", err)
		}
	}()

	return fn()
}

// Attach attaches another store file under a generated prefix so one
// statement can read both. Any previous attachment is detached first.
func (s *Store) Attach(ctx context.Context, path string) (string, error) {
	if !s.IsOpen() {
		return "", fmt.Errorf("%w: store is not open", ErrQuery)
	}
	if s.tx != nil {
		return "", ErrTxActive
	}
	if err := s.Detach(ctx); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: attach %s: %v", ErrStoreOpen, path, err)
	}

	s.attachSeq++
	prefix := fmt.Sprintf("a%d", s.attachSeq)
	s.count("attach")
	if _, err := s.db.ExecContext(ctx, "ATTACH DATABASE ? AS "+prefix, path); err != nil {
		return "", s.fail("attach", path, err)
	}

	s.prefix, s.attached = prefix, path
	return prefix, nil
}

// Detach drops the current attachment, if any
func (s *Store) Detach(ctx context.Context) error {
	if s.prefix == "" || !s.IsOpen() {
		return nil
	}
	s.count("detach")
	if _, err := s.db.ExecContext(ctx, "DETACH DATABASE "+s.prefix); err != nil {
		return s.fail("detach", s.prefix, err)
	}
	s.prefix, s.attached = "", ""
	return nil
}

// Attached returns the prefix and file of the current attachment
func (s *Store) Attached() (prefix, path string) {
	return s.prefix, s.attached
}
