package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/internal/store"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var version = semver.Version{Major: 4, Minor: 3, Patch: 2}

func openApp(t *testing.T) (*store.App, string) {
	t.Helper()
	dir := t.TempDir()
	pool, err := store.Open(store.Config{Path: filepath.Join(dir, "data.db"), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, pool.Close()) })
	assetsDir := filepath.Join(dir, "uploads")
	return store.NewApp(pool, assetsDir, version), assetsDir
}

type snapshot struct {
	entities      []provider.Entity
	links         []provider.Link
	configuration []provider.Configuration
	assets        map[string][]byte
}

func read(t *testing.T, app *store.App) snapshot {
	t.Helper()
	ctx := context.Background()
	src := app.NewSource()
	snap := snapshot{assets: map[string][]byte{}}
	require.NoError(t, src.StreamEntities(ctx, func(e provider.Entity) error {
		snap.entities = append(snap.entities, e)
		return nil
	}))
	require.NoError(t, src.StreamLinks(ctx, func(l provider.Link) error {
		snap.links = append(snap.links, l)
		return nil
	}))
	require.NoError(t, src.StreamConfiguration(ctx, func(c provider.Configuration) error {
		snap.configuration = append(snap.configuration, c)
		return nil
	}))
	require.NoError(t, src.StreamAssets(ctx, func(a provider.Asset) error {
		b, err := io.ReadAll(a.Reader)
		snap.assets[a.Filepath] = b
		return err
	}))
	return snap
}

func entity(typ string, id int, data string) provider.Entity {
	return provider.Entity{Type: typ, ID: json.RawMessage(fmtInt(id)), Data: json.RawMessage(data)}
}

func fmtInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

// push writes a full transfer into app.
func push(t *testing.T, app *store.App, opts transfer.InitOptions, entities []provider.Entity, assets map[string]string) {
	t.Helper()
	ctx := context.Background()
	dest, err := app.NewDestination(opts)
	require.NoError(t, err)
	require.NoError(t, dest.Bootstrap(ctx))
	require.NoError(t, dest.BeforeTransfer(ctx))

	ew, err := dest.CreateEntitiesWriter(ctx)
	require.NoError(t, err)
	for _, e := range entities {
		require.NoError(t, ew.Write(ctx, e))
	}
	require.NoError(t, ew.Close(ctx))

	lw, err := dest.CreateLinksWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, lw.Write(ctx, provider.Link{
		Kind:     "relation",
		Relation: "manyToOne",
		Left:     provider.LinkEnd{Type: entities[0].Type, ID: entities[0].ID, Field: "author"},
		Right:    provider.LinkEnd{Type: "admin::user", ID: json.RawMessage(`1`)},
	}))

	aw, err := dest.CreateAssetsWriter(ctx)
	require.NoError(t, err)
	for p, content := range assets {
		require.NoError(t, aw.Write(ctx, provider.Asset{
			Filename: filepath.Base(p),
			Filepath: p,
			Stats:    transfer.AssetStats{Size: int64(len(content))},
			Reader:   bytes.NewBufferString(content),
		}))
	}

	cw, err := dest.CreateConfigurationWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, cw.Write(ctx, provider.Configuration{Type: "core-store", Value: json.RawMessage(`{"key":"plugin"}`)}))

	require.NoError(t, dest.Close(ctx))
}

func TestRestore(t *testing.T) {
	app, assetsDir := openApp(t)

	push(t, app, transfer.InitOptions{Strategy: store.StrategyRestore},
		[]provider.Entity{entity("api::article.article", 1, `{"title":"a"}`), entity("api::tag.tag", 1, `{"name":"go"}`)},
		map[string]string{"images/cat.png": "meow"},
	)
	snap := read(t, app)
	assert.Len(t, snap.entities, 2)
	assert.Len(t, snap.links, 1)
	assert.Len(t, snap.configuration, 1)
	assert.Equal(t, map[string][]byte{"images/cat.png": []byte("meow")}, snap.assets)

	b, err := os.ReadFile(filepath.Join(assetsDir, "images", "cat.png"))
	require.NoError(t, err)
	assert.Equal(t, "meow", string(b))

	t.Run("full restore replaces everything", func(t *testing.T) {
		push(t, app, transfer.InitOptions{Strategy: store.StrategyRestore},
			[]provider.Entity{entity("api::article.article", 2, `{"title":"b"}`)},
			nil,
		)
		snap := read(t, app)
		require.Len(t, snap.entities, 1)
		assert.JSONEq(t, `2`, string(snap.entities[0].ID))
		assert.Len(t, snap.links, 1)
		assert.Len(t, snap.configuration, 1)
		assert.Empty(t, snap.assets)

		_, err := os.Stat(filepath.Join(assetsDir, "images", "cat.png"))
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("scoped restore keeps other types", func(t *testing.T) {
		push(t, app, transfer.InitOptions{Strategy: store.StrategyRestore},
			[]provider.Entity{entity("api::tag.tag", 3, `{"name":"sqlite"}`)},
			nil,
		)
		push(t, app, transfer.InitOptions{
			Strategy: store.StrategyRestore,
			Restore:  &transfer.RestoreOptions{Entities: transfer.RestoreEntities{Include: []string{"api::article.article"}}},
		}, []provider.Entity{entity("api::article.article", 4, `{"title":"c"}`)}, nil)

		snap := read(t, app)
		types := map[string]int{}
		for _, e := range snap.entities {
			types[e.Type]++
		}
		assert.Equal(t, map[string]int{"api::tag.tag": 1, "api::article.article": 1}, types)
		// The configuration of the first push is kept, the second one appends.
		assert.Len(t, snap.configuration, 2)
	})
}

func TestRollback(t *testing.T) {
	app, assetsDir := openApp(t)
	ctx := context.Background()
	push(t, app, transfer.InitOptions{Strategy: store.StrategyRestore},
		[]provider.Entity{entity("api::article.article", 1, `{"title":"kept"}`)}, nil)

	dest, err := app.NewDestination(transfer.InitOptions{Strategy: store.StrategyRestore})
	require.NoError(t, err)
	require.NoError(t, dest.Bootstrap(ctx))
	require.NoError(t, dest.BeforeTransfer(ctx))
	ew, err := dest.CreateEntitiesWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, ew.Write(ctx, entity("api::article.article", 9, `{"title":"lost"}`)))
	aw, err := dest.CreateAssetsWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, aw.Write(ctx, provider.Asset{Filename: "dog.png", Reader: bytes.NewBufferString("woof")}))

	rb, ok := dest.(provider.Rollbacker)
	require.True(t, ok)
	require.NoError(t, rb.Rollback(ctx))

	snap := read(t, app)
	require.Len(t, snap.entities, 1)
	assert.JSONEq(t, `{"title":"kept"}`, string(snap.entities[0].Data))
	assert.NoFileExists(t, filepath.Join(assetsDir, "dog.png"))

	// Writes after a rollback are refused.
	assert.Error(t, ew.Write(ctx, entity("api::article.article", 10, `{}`)))

	entries, err := os.ReadDir(assetsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory must be removed")
}

func TestBootstrapValidation(t *testing.T) {
	app, _ := openApp(t)
	ctx := context.Background()

	dest, err := app.NewDestination(transfer.InitOptions{Strategy: "merge"})
	require.NoError(t, err)
	err = dest.Bootstrap(ctx)
	require.Error(t, err)
	assert.True(t, transfer.IsKind(err, transfer.Validation))

	res := transfer.ToResponseError(err)
	assert.Equal(t, []string{"restore"}, res.Details["validStrategies"])

	ew, err := dest.CreateEntitiesWriter(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, ew.Write(ctx, entity("x", 1, `{}`)), store.ErrNotBootstrapped)
	assert.NoError(t, dest.Close(ctx))
}

func TestAssetPaths(t *testing.T) {
	app, assetsDir := openApp(t)
	push(t, app, transfer.InitOptions{Strategy: store.StrategyRestore},
		[]provider.Entity{entity("api::article.article", 1, `{}`)},
		map[string]string{"../../escape.txt": "nope"},
	)
	assert.FileExists(t, filepath.Join(assetsDir, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(assetsDir), "escape.txt"))
}

func TestMetadataAndSchemas(t *testing.T) {
	app, _ := openApp(t)
	ctx := context.Background()
	src := app.NewSource()

	meta, err := src.GetMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, meta.Version)
	assert.Positive(t, meta.CreatedAt)

	schemas, err := src.GetSchemas(ctx)
	require.NoError(t, err)
	assert.Empty(t, schemas)

	require.NoError(t, app.PutSchemas(ctx, []provider.Schema{
		{UID: "api::article.article", Attributes: map[string]json.RawMessage{"title": json.RawMessage(`{"type":"string"}`)}},
		{UID: "api::tag.tag"},
	}))
	schemas, err = src.GetSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.JSONEq(t, `{"type":"string"}`, string(schemas["api::article.article"].Attributes["title"]))
}
