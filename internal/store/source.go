package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Source streams the content of the store. Each Stream call reads from its
// own connection.
type Source struct {
	app *App
}

var _ provider.Source = (*Source)(nil)

func (s *Source) Bootstrap(context.Context) error { return nil }
func (s *Source) Close(context.Context) error     { return nil }

func (s *Source) GetMetadata(ctx context.Context) (*provider.Metadata, error) {
	return s.app.metadata(ctx)
}

func (s *Source) GetSchemas(ctx context.Context) (map[string]provider.Schema, error) {
	return s.app.schemas(ctx)
}

func (s *Source) StreamEntities(ctx context.Context, fn func(provider.Entity) error) error {
	return s.app.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT type, ref, data FROM entities ORDER BY id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(provider.Entity{
					Type: stmt.ColumnText(0),
					ID:   json.RawMessage(stmt.ColumnText(1)),
					Data: rawColumn(stmt, 2),
				})
			},
		})
	})
}

func (s *Source) StreamLinks(ctx context.Context, fn func(provider.Link) error) error {
	return s.app.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT kind, relation, left_type, left_ref, left_field, right_type, right_ref, right_field
			FROM links ORDER BY id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(provider.Link{
					Kind:     stmt.ColumnText(0),
					Relation: stmt.ColumnText(1),
					Left: provider.LinkEnd{
						Type:  stmt.ColumnText(2),
						ID:    json.RawMessage(stmt.ColumnText(3)),
						Field: stmt.ColumnText(4),
					},
					Right: provider.LinkEnd{
						Type:  stmt.ColumnText(5),
						ID:    json.RawMessage(stmt.ColumnText(6)),
						Field: stmt.ColumnText(7),
					},
				})
			},
		})
	})
}

func (s *Source) StreamConfiguration(ctx context.Context, fn func(provider.Configuration) error) error {
	return s.app.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT type, value FROM configuration ORDER BY id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(provider.Configuration{Type: stmt.ColumnText(0), Value: rawColumn(stmt, 1)})
			},
		})
	})
}

// StreamAssets opens each asset file in turn. The reader handed to fn is
// closed once fn returns.
func (s *Source) StreamAssets(ctx context.Context, fn func(provider.Asset) error) error {
	return s.app.pool.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT filename, filepath, size, mtime FROM assets ORDER BY id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rel := stmt.ColumnText(1)
				f, err := os.Open(filepath.Join(s.app.assetsDir, filepath.FromSlash(rel)))
				if err != nil {
					return fmt.Errorf("opening asset %s: %w", rel, err)
				}
				defer f.Close()
				return fn(provider.Asset{
					Filename: stmt.ColumnText(0),
					Filepath: rel,
					Stats: transfer.AssetStats{
						Size:    stmt.ColumnInt64(2),
						ModTime: stmt.ColumnInt64(3),
					},
					Reader: f,
				})
			},
		})
	})
}

func rawColumn(stmt *sqlite.Stmt, col int) json.RawMessage {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	return json.RawMessage(stmt.ColumnText(col))
}
