package store

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a record store.
type Config struct {
	// Path of the database file, created when missing. ":memory:" only
	// works with a PoolSize of 1.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   *zap.Logger
}

// Pool is a fixed-size pool of SQLite connections sharing the record store
// schema.
//
// Pool is safe for concurrent use. Individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// Open creates the connection pool. Connections are prepared lazily on
// first Take.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	p := &Pool{inner: inner, logger: logger, path: cfg.Path}
	if err := p.migrate(); err != nil {
		inner.Close()
		return nil, err
	}
	logger.Info("sqlite pool opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))

	return p, nil
}

// migrate applies the schema once, before any transfer can hold the write lock.
func (p *Pool) migrate() error {
	conn, err := p.Take(context.Background())
	if err != nil {
		return err
	}
	defer p.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Take borrows a connection, it is interrupted once ctx is done. The caller
// must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close blocks until every borrowed connection is returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", zap.String("path", p.path))
	return nil
}

// read runs fn on a pooled connection.
func (p *Pool) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// write runs fn inside an IMMEDIATE transaction, committed when fn returns nil.
func (p *Pool) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT OR IGNORE INTO meta (key, value)
	VALUES ('created_at', CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER));

CREATE TABLE IF NOT EXISTS schemas (
	uid        TEXT PRIMARY KEY,
	attributes TEXT
);

CREATE TABLE IF NOT EXISTS entities (
	id   INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	ref  TEXT NOT NULL,
	data TEXT,
	UNIQUE (type, ref)
);

CREATE TABLE IF NOT EXISTS links (
	id          INTEGER PRIMARY KEY,
	kind        TEXT NOT NULL,
	relation    TEXT NOT NULL,
	left_type   TEXT NOT NULL,
	left_ref    TEXT NOT NULL,
	left_field  TEXT,
	right_type  TEXT NOT NULL,
	right_ref   TEXT NOT NULL,
	right_field TEXT
);
CREATE INDEX IF NOT EXISTS links_left_type ON links (left_type);
CREATE INDEX IF NOT EXISTS links_right_type ON links (right_type);

CREATE TABLE IF NOT EXISTS configuration (
	id    INTEGER PRIMARY KEY,
	type  TEXT NOT NULL,
	value TEXT
);

CREATE TABLE IF NOT EXISTS assets (
	id       INTEGER PRIMARY KEY,
	filename TEXT NOT NULL,
	filepath TEXT NOT NULL UNIQUE,
	size     INTEGER NOT NULL,
	mtime    INTEGER NOT NULL
);
`
