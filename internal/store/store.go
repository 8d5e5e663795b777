// Package store is the local record store. Pushed transfers are written into
// it through one long lived SQLite transaction; exports read from it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/internal/transaction"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// StrategyRestore replaces existing records with the transferred ones.
const StrategyRestore = "restore"

var validStrategies = []string{StrategyRestore}

var ErrNotBootstrapped = errors.New("store destination is not bootstrapped")

// App exposes the record store to the transfer server.
type App struct {
	pool      *Pool
	assetsDir string
	version   semver.Version
	logger    *zap.Logger
}

type Option func(*App)

func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// NewApp returns an App storing records in pool and asset files under assetsDir.
// version is reported as the metadata version of the store.
func NewApp(pool *Pool, assetsDir string, version semver.Version, opts ...Option) *App {
	a := &App{pool: pool, assetsDir: assetsDir, version: version, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Version is the version the store reports in its metadata.
func (a *App) Version() semver.Version {
	return a.version
}

// NewDestination returns a destination for one push transfer.
func (a *App) NewDestination(opts transfer.InitOptions) (provider.Destination, error) {
	return &Destination{app: a, opts: opts, logger: a.logger.With(zap.String("strategy", opts.Strategy))}, nil
}

// NewSource returns a source reading the whole store.
func (a *App) NewSource() *Source {
	return &Source{app: a}
}

// PutSchemas registers content types, replacing schemas with the same uid.
func (a *App) PutSchemas(ctx context.Context, schemas []provider.Schema) error {
	return a.pool.write(ctx, func(conn *sqlite.Conn) error {
		for _, s := range schemas {
			attrs, err := json.Marshal(s.Attributes)
			if err != nil {
				return fmt.Errorf("encoding schema %s: %w", s.UID, err)
			}
			if err := sqlitex.Execute(conn, `INSERT OR REPLACE INTO schemas (uid, attributes) VALUES (?, ?)`, &sqlitex.ExecOptions{
				Args: []any{s.UID, string(attrs)},
			}); err != nil {
				return fmt.Errorf("storing schema %s: %w", s.UID, err)
			}
		}
		return nil
	})
}

func (a *App) metadata(ctx context.Context) (*provider.Metadata, error) {
	meta := &provider.Metadata{Version: a.version}
	err := a.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM meta WHERE key = 'created_at'`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				createdAt, err := strconv.ParseInt(stmt.ColumnText(0), 10, 64)
				if err != nil {
					return fmt.Errorf("parsing created_at: %w", err)
				}
				meta.CreatedAt = createdAt
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (a *App) schemas(ctx context.Context) (map[string]provider.Schema, error) {
	schemas := map[string]provider.Schema{}
	err := a.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT uid, attributes FROM schemas ORDER BY uid`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				s := provider.Schema{UID: stmt.ColumnText(0)}
				if attrs := stmt.ColumnText(1); attrs != "" && attrs != "null" {
					if err := json.Unmarshal([]byte(attrs), &s.Attributes); err != nil {
						return fmt.Errorf("decoding schema %s: %w", s.UID, err)
					}
				}
				schemas[s.UID] = s
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return schemas, nil
}

// ---------------------------------------------------- Destination ----------------------------------------------------

type stagedAsset struct {
	staged string
	target string
}

// Destination writes one push transfer. Every record write is attached to a
// single session transaction that commits on Close. Asset files are staged
// and only moved into the assets directory once the records committed.
type Destination struct {
	app    *App
	opts   transfer.InitOptions
	logger *zap.Logger

	session *transaction.Session[*sqlite.Conn]
	staging string

	mu     sync.Mutex
	staged []stagedAsset
	// removed holds the files of asset rows deleted by the restore.
	removed []string
}

var (
	_ provider.Destination = (*Destination)(nil)
	_ provider.Rollbacker  = (*Destination)(nil)
)

// Bootstrap validates the options and opens the session transaction.
func (d *Destination) Bootstrap(ctx context.Context) error {
	if d.opts.Strategy != StrategyRestore {
		return transfer.NewValidationError(fmt.Sprintf("Invalid strategy %q", d.opts.Strategy), map[string]any{
			"check":           "strategy",
			"strategy":        d.opts.Strategy,
			"validStrategies": validStrategies,
		})
	}
	if d.session != nil {
		return transfer.NewTransferError("Destination already bootstrapped", nil)
	}
	if err := os.MkdirAll(d.app.assetsDir, 0755); err != nil {
		return fmt.Errorf("creating assets directory: %w", err)
	}
	staging, err := os.MkdirTemp(d.app.assetsDir, ".transfer-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	d.staging = staging
	d.session = transaction.Begin(ctx, d.run)
	d.logger.Debug("session transaction started")
	return nil
}

func (d *Destination) run(ctx context.Context, body func(conn *sqlite.Conn) error) error {
	return d.app.pool.write(ctx, body)
}

func (d *Destination) attach(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if d.session == nil {
		return ErrNotBootstrapped
	}
	return d.session.Attach(ctx, fn)
}

// BeforeTransfer deletes the records the restore replaces.
func (d *Destination) BeforeTransfer(ctx context.Context) error {
	var include []string
	if d.opts.Restore != nil {
		include = d.opts.Restore.Entities.Include
	}
	return d.attach(ctx, func(conn *sqlite.Conn) error {
		if len(include) == 0 {
			var removed []string
			err := sqlitex.Execute(conn, `SELECT filepath FROM assets`, &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					removed = append(removed, stmt.ColumnText(0))
					return nil
				},
			})
			if err != nil {
				return fmt.Errorf("restore: listing assets: %w", err)
			}
			err = sqlitex.ExecuteScript(conn, `
				DELETE FROM entities;
				DELETE FROM links;
				DELETE FROM configuration;
				DELETE FROM assets;
			`, nil)
			if err != nil {
				return fmt.Errorf("restore: deleting records: %w", err)
			}
			d.mu.Lock()
			d.removed = append(d.removed, removed...)
			d.mu.Unlock()
			d.logger.Info("restore: deleted all records", zap.Int("assets", len(removed)))
			return nil
		}

		in := placeholders(len(include))
		args := make([]any, len(include))
		for i, t := range include {
			args[i] = t
		}
		if err := sqlitex.Execute(conn, `DELETE FROM entities WHERE type IN `+in, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("restore: deleting entities: %w", err)
		}
		entities := conn.Changes()
		if err := sqlitex.Execute(conn, `DELETE FROM links WHERE left_type IN `+in+` OR right_type IN `+in, &sqlitex.ExecOptions{
			Args: append(append([]any{}, args...), args...),
		}); err != nil {
			return fmt.Errorf("restore: deleting links: %w", err)
		}
		d.logger.Info("restore: deleted records",
			zap.Strings("types", include),
			zap.Int("entities", entities),
			zap.Int("links", conn.Changes()),
		)
		return nil
	})
}

// Close commits the session and publishes the staged asset files.
func (d *Destination) Close(ctx context.Context) error {
	if d.session == nil {
		return nil
	}
	d.session.End()
	if err := d.session.Wait(ctx); err != nil {
		d.discardStaging()
		return fmt.Errorf("committing transfer: %w", err)
	}

	d.mu.Lock()
	staged, removed := d.staged, d.removed
	d.staged, d.removed = nil, nil
	d.mu.Unlock()
	for _, rel := range removed {
		target := filepath.Join(d.app.assetsDir, filepath.FromSlash(rel))
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("removing deleted asset", zap.String("path", target), zap.Error(err))
		}
	}
	for _, a := range staged {
		if err := os.MkdirAll(filepath.Dir(a.target), 0755); err != nil {
			return fmt.Errorf("publishing asset: %w", err)
		}
		if err := os.Rename(a.staged, a.target); err != nil {
			return fmt.Errorf("publishing asset: %w", err)
		}
	}
	d.discardStaging()
	d.logger.Info("transfer committed", zap.Int("assets", len(staged)))
	return nil
}

// Rollback discards every write since Bootstrap.
func (d *Destination) Rollback(ctx context.Context) error {
	if d.session == nil {
		return nil
	}
	d.session.Rollback()
	err := d.session.Wait(ctx)
	d.mu.Lock()
	d.staged, d.removed = nil, nil
	d.mu.Unlock()
	d.discardStaging()
	d.logger.Info("transfer rolled back")
	return err
}

func (d *Destination) discardStaging() {
	if d.staging == "" {
		return
	}
	if err := os.RemoveAll(d.staging); err != nil {
		d.logger.Warn("removing staging directory", zap.Error(err))
	}
}

func (d *Destination) GetMetadata(ctx context.Context) (*provider.Metadata, error) {
	return d.app.metadata(ctx)
}

func (d *Destination) GetSchemas(ctx context.Context) (map[string]provider.Schema, error) {
	return d.app.schemas(ctx)
}

func (d *Destination) CreateEntitiesWriter(context.Context) (provider.Writer[provider.Entity], error) {
	return provider.WriterFunc[provider.Entity](func(ctx context.Context, e provider.Entity) error {
		return d.attach(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, `INSERT OR REPLACE INTO entities (type, ref, data) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{e.Type, string(e.ID), nullable(e.Data)},
			})
		})
	}), nil
}

func (d *Destination) CreateLinksWriter(context.Context) (provider.Writer[provider.Link], error) {
	return provider.WriterFunc[provider.Link](func(ctx context.Context, l provider.Link) error {
		return d.attach(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, `
				INSERT INTO links (kind, relation, left_type, left_ref, left_field, right_type, right_ref, right_field)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{
					l.Kind, l.Relation,
					l.Left.Type, string(l.Left.ID), l.Left.Field,
					l.Right.Type, string(l.Right.ID), l.Right.Field,
				},
			})
		})
	}), nil
}

func (d *Destination) CreateConfigurationWriter(context.Context) (provider.Writer[provider.Configuration], error) {
	return provider.WriterFunc[provider.Configuration](func(ctx context.Context, c provider.Configuration) error {
		return d.attach(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, `INSERT INTO configuration (type, value) VALUES (?, ?)`, &sqlitex.ExecOptions{
				Args: []any{c.Type, nullable(c.Value)},
			})
		})
	}), nil
}

func (d *Destination) CreateAssetsWriter(context.Context) (provider.Writer[provider.Asset], error) {
	return provider.WriterFunc[provider.Asset](d.writeAsset), nil
}

// writeAsset copies the content into the staging directory, then records the
// asset row in the session.
func (d *Destination) writeAsset(ctx context.Context, a provider.Asset) error {
	if d.session == nil {
		return ErrNotBootstrapped
	}
	rel, err := assetPath(a)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(d.staging, "asset-")
	if err != nil {
		return fmt.Errorf("staging asset %s: %w", a.Filename, err)
	}
	size, err := io.Copy(f, a.Reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("staging asset %s: %w", a.Filename, err)
	}

	err = d.attach(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT OR REPLACE INTO assets (filename, filepath, size, mtime) VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{a.Filename, rel, size, a.Stats.ModTime},
		})
	})
	if err != nil {
		os.Remove(f.Name())
		return err
	}

	d.mu.Lock()
	d.staged = append(d.staged, stagedAsset{staged: f.Name(), target: filepath.Join(d.app.assetsDir, filepath.FromSlash(rel))})
	d.mu.Unlock()
	return nil
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// assetPath returns the slash separated path of an asset relative to the
// assets directory. Paths escaping the directory are rejected.
func assetPath(a provider.Asset) (string, error) {
	p := a.Filepath
	if p == "" {
		p = a.Filename
	}
	p = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
	if p == "" || p == "." || strings.HasPrefix(p, ".transfer-") {
		return "", transfer.NewValidationError(fmt.Sprintf("Invalid asset path %q", a.Filepath), map[string]any{
			"filename": a.Filename,
			"filepath": a.Filepath,
		})
	}
	return p, nil
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
