package file_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/file"
	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, opts file.Options, entities int) string {
	t.Helper()
	ctx := context.Background()
	d := file.NewDestination(opts)
	require.NoError(t, d.Bootstrap(ctx))
	require.NoError(t, d.SetSourceMetadata(ctx, &provider.Metadata{Version: semver.Version{Major: 4, Minor: 1}}))

	sw, err := d.CreateSchemasWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, sw.Write(ctx, provider.Schema{UID: "api::article.article"}))
	require.NoError(t, sw.Close(ctx))

	ew, err := d.CreateEntitiesWriter(ctx)
	require.NoError(t, err)
	for i := 0; i < entities; i++ {
		id, _ := json.Marshal(i)
		require.NoError(t, ew.Write(ctx, provider.Entity{Type: "api::article.article", ID: id, Data: json.RawMessage(`{"title":"x"}`)}))
	}
	require.NoError(t, ew.Close(ctx))

	lw, err := d.CreateLinksWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, lw.Write(ctx, provider.Link{Kind: "relation", Relation: "oneToOne",
		Left:  provider.LinkEnd{Type: "a", ID: json.RawMessage(`1`)},
		Right: provider.LinkEnd{Type: "b", ID: json.RawMessage(`2`)},
	}))
	require.NoError(t, lw.Close(ctx))

	aw, err := d.CreateAssetsWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, aw.Write(ctx, provider.Asset{
		Filename: "cat.png",
		Filepath: "images/cat.png",
		Stats:    transfer.AssetStats{ModTime: 42},
		Reader:   strings.NewReader("meow"),
	}))
	require.NoError(t, aw.Close(ctx))

	cw, err := d.CreateConfigurationWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, cw.Write(ctx, provider.Configuration{Type: "core-store", Value: json.RawMessage(`{"k":1}`)}))
	require.NoError(t, cw.Close(ctx))

	require.NoError(t, d.Close(ctx))
	return d.Path()
}

func TestArchiveRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		opts    file.Options
		wantExt string
	}{
		{"plain", file.Options{}, ".tar"},
		{"compressed", file.Options{Compress: true}, ".tar.gz"},
		{"compressed and encrypted", file.Options{Compress: true, EncryptionKey: "hunter2"}, ".tar.gz.enc"},
		{"encrypted", file.Options{EncryptionKey: "hunter2"}, ".tar.enc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tc.opts.Path = filepath.Join(t.TempDir(), "export")
			archive := writeArchive(t, tc.opts, 3)
			assert.True(t, strings.HasSuffix(archive, tc.wantExt), archive)
			require.FileExists(t, archive)

			src := file.NewSource(archive, tc.opts.EncryptionKey)
			require.NoError(t, src.Bootstrap(ctx))

			meta, err := src.GetMetadata(ctx)
			require.NoError(t, err)
			require.NotNil(t, meta)
			assert.Equal(t, semver.Version{Major: 4, Minor: 1}, meta.Version)

			schemas, err := src.GetSchemas(ctx)
			require.NoError(t, err)
			assert.Contains(t, schemas, "api::article.article")

			var ids []string
			require.NoError(t, src.StreamEntities(ctx, func(e provider.Entity) error {
				ids = append(ids, string(e.ID))
				return nil
			}))
			assert.Equal(t, []string{"0", "1", "2"}, ids)

			var links int
			require.NoError(t, src.StreamLinks(ctx, func(provider.Link) error { links++; return nil }))
			assert.Equal(t, 1, links)

			var configs []provider.Configuration
			require.NoError(t, src.StreamConfiguration(ctx, func(c provider.Configuration) error {
				configs = append(configs, c)
				return nil
			}))
			require.Len(t, configs, 1)
			assert.JSONEq(t, `{"k":1}`, string(configs[0].Value))

			var assets []provider.Asset
			var contents []string
			require.NoError(t, src.StreamAssets(ctx, func(a provider.Asset) error {
				b, err := io.ReadAll(a.Reader)
				assets = append(assets, a)
				contents = append(contents, string(b))
				return err
			}))
			require.Len(t, assets, 1)
			assert.Equal(t, "cat.png", assets[0].Filename)
			assert.Equal(t, "images/cat.png", assets[0].Filepath)
			assert.Equal(t, transfer.AssetStats{Size: 4, ModTime: 42}, assets[0].Stats)
			assert.Equal(t, []string{"meow"}, contents)
		})
	}
}

func TestJSONLParts(t *testing.T) {
	archive := writeArchive(t, file.Options{Path: filepath.Join(t.TempDir(), "export"), MaxSizeJSONL: 100}, 10)

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()

	var parts []string
	tr := tar.NewReader(f)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if strings.HasPrefix(h.Name, "entities/") {
			parts = append(parts, h.Name)
			assert.LessOrEqual(t, h.Size, int64(100))
		}
	}
	require.Greater(t, len(parts), 1)
	assert.Equal(t, "entities/entities_00001.jsonl", parts[0])

	var count int
	src := file.NewSource(archive, "")
	require.NoError(t, src.StreamEntities(context.Background(), func(provider.Entity) error { count++; return nil }))
	assert.Equal(t, 10, count)
}

func TestEncryptedArchiveRequiresKey(t *testing.T) {
	ctx := context.Background()
	archive := writeArchive(t, file.Options{Path: filepath.Join(t.TempDir(), "export"), EncryptionKey: "k"}, 1)

	assert.ErrorIs(t, file.NewSource(archive, "").Bootstrap(ctx), file.ErrMissingKey)

	err := file.NewSource(archive, "not-k").StreamEntities(ctx, func(provider.Entity) error { return nil })
	assert.Error(t, err)

	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("api::article.article")))
}

func TestRollbackRemovesArchive(t *testing.T) {
	ctx := context.Background()
	d := file.NewDestination(file.Options{Path: filepath.Join(t.TempDir(), "export"), Compress: true})
	require.NoError(t, d.Bootstrap(ctx))
	require.FileExists(t, d.Path())
	require.NoError(t, d.Rollback(ctx))
	assert.NoFileExists(t, d.Path())
	assert.NoError(t, d.Close(ctx))
}

func TestDefaultExportName(t *testing.T) {
	now := time.Date(2023, 2, 1, 13, 4, 5, 0, time.UTC)
	assert.Equal(t, "export_20230201130405", file.DefaultExportName(now))
}
