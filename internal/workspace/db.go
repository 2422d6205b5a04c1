package workspace

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DB wraps a database/sql handle together with the driver flavor so the
// stores can adapt placeholder syntax. Both stores share one handle; the
// workspace actor serializes access to it.
type DB struct {
	conn   *sql.DB
	driver string
}

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		workspace TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_path TEXT,
		kind TEXT NOT NULL CHECK (kind IN ('file', 'folder')),
		content TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		is_expanded INTEGER NOT NULL DEFAULT 0,
		last_cursor_line INTEGER NOT NULL DEFAULT 1,
		last_cursor_column INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (workspace, path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes (workspace, parent_path)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_expanded ON nodes (workspace, is_expanded)`,
	`CREATE TABLE IF NOT EXISTS presence (
		workspace TEXT NOT NULL,
		username TEXT NOT NULL,
		last_open_path TEXT,
		explorer_scroll_top_path TEXT,
		is_tab_foreground INTEGER NOT NULL DEFAULT 0,
		follow_username TEXT,
		display_name TEXT,
		avatar_url TEXT,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (workspace, username)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_presence_follow ON presence (workspace, follow_username)`,
}

// OpenSQLite opens (or creates) an embedded SQLite store at path and applies
// the schema. Pass ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		// Shared cache keeps the in-memory database alive across the pool's
		// connections.
		dsn = "file::memory:?cache=shared"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The workspace actor is the only writer; a single connection avoids
	// SQLITE_BUSY without a busy-timeout dance.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	db := &DB{conn: conn, driver: driverSQLite}
	if err := db.applySchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL-backed store and applies the schema.
func OpenPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	db := &DB{conn: conn, driver: driverPostgres}
	if err := db.applySchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) applySchema() error {
	for _, stmt := range schemaStatements {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn exposes the underlying handle for custom queries in tests.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// rebind rewrites ?-style placeholders to the $N form lib/pq requires.
// Queries in this package are written with ? and rebound per driver.
func (d *DB) rebind(query string) string {
	if d.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(d.rebind(query), args...)
}

func (d *DB) query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(d.rebind(query), args...)
}

func (d *DB) queryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(d.rebind(query), args...)
}

// DBFactory builds a store handle for a DSN scheme registered at runtime.
type DBFactory func(dsn string) (*DB, error)

var dbFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DBFactory
}{
	factories: map[string]DBFactory{},
}

// RegisterDBFactory installs a factory for a custom DSN scheme. Built-in
// schemes (sqlite, file, memory, postgres) cannot be overridden.
func RegisterDBFactory(scheme string, factory DBFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	dbFactoryRegistry.mu.Lock()
	defer dbFactoryRegistry.mu.Unlock()
	dbFactoryRegistry.factories[scheme] = factory
}

func lookupDBFactory(scheme string) (DBFactory, bool) {
	dbFactoryRegistry.mu.RLock()
	defer dbFactoryRegistry.mu.RUnlock()
	factory, ok := dbFactoryRegistry.factories[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// OpenDB resolves a DSN to a store backend. Supported schemes:
//
//	sqlite:workspaces.db   embedded SQLite file (default when no scheme)
//	file:workspaces.db     same as sqlite
//	memory:                ephemeral SQLite
//	postgres://...         PostgreSQL via lib/pq
func OpenDB(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return OpenSQLite("workspaces.db")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupDBFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "sqlite", "file":
		path := strings.TrimPrefix(dsn, scheme+":")
		path = strings.TrimPrefix(path, "//")
		if path == "" {
			return nil, fmt.Errorf("empty %s path in dsn %q", driverSQLite, dsn)
		}
		return OpenSQLite(path)
	case "memory", "mem", "inmem":
		return OpenSQLite(":memory:")
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}
