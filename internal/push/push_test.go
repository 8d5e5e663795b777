package push_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/push"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDestination struct {
	mu            sync.Mutex
	calls         []string
	entities      []provider.Entity
	links         []provider.Link
	configuration []provider.Configuration
	assets        map[string][]byte
	writers       map[string]int
	assetsClosed  bool
	rolledBack    bool
	writeErr      error
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{assets: map[string][]byte{}, writers: map[string]int{}}
}

func (f *fakeDestination) call(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeDestination) Bootstrap(context.Context) error      { f.call("bootstrap"); return nil }
func (f *fakeDestination) Close(context.Context) error          { f.call("close"); return nil }
func (f *fakeDestination) BeforeTransfer(context.Context) error { f.call("beforeTransfer"); return nil }
func (f *fakeDestination) Rollback(context.Context) error       { f.rolledBack = true; return nil }

func (f *fakeDestination) GetMetadata(context.Context) (*provider.Metadata, error) {
	return &provider.Metadata{Version: semver.Version{Major: 1}}, nil
}

func (f *fakeDestination) GetSchemas(context.Context) (map[string]provider.Schema, error) {
	return map[string]provider.Schema{"api::article.article": {UID: "api::article.article"}}, nil
}

func (f *fakeDestination) CreateEntitiesWriter(context.Context) (provider.Writer[provider.Entity], error) {
	f.writers["entities"]++
	return provider.WriterFunc[provider.Entity](func(_ context.Context, e provider.Entity) error {
		if f.writeErr != nil {
			return f.writeErr
		}
		f.entities = append(f.entities, e)
		return nil
	}), nil
}

func (f *fakeDestination) CreateLinksWriter(context.Context) (provider.Writer[provider.Link], error) {
	f.writers["links"]++
	return provider.WriterFunc[provider.Link](func(_ context.Context, l provider.Link) error {
		f.links = append(f.links, l)
		return nil
	}), nil
}

func (f *fakeDestination) CreateConfigurationWriter(context.Context) (provider.Writer[provider.Configuration], error) {
	f.writers["configuration"]++
	return provider.WriterFunc[provider.Configuration](func(_ context.Context, c provider.Configuration) error {
		f.configuration = append(f.configuration, c)
		return nil
	}), nil
}

type fakeAssetsWriter struct{ f *fakeDestination }

func (w fakeAssetsWriter) Write(_ context.Context, a provider.Asset) error {
	b, err := io.ReadAll(a.Reader)
	if err != nil {
		return err
	}
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.assets[a.Filename] = b
	return nil
}

func (w fakeAssetsWriter) Close(context.Context) error {
	w.f.assetsClosed = true
	return nil
}

func (f *fakeDestination) CreateAssetsWriter(context.Context) (provider.Writer[provider.Asset], error) {
	f.writers["assets"]++
	return fakeAssetsWriter{f: f}, nil
}

type fakeApp struct{ dest *fakeDestination }

func (a fakeApp) NewDestination(transfer.InitOptions) (provider.Destination, error) {
	return a.dest, nil
}

func newController(t *testing.T) (*push.Controller, *fakeDestination) {
	t.Helper()
	dest := newFakeDestination()
	c, err := push.New(fakeApp{dest: dest}, transfer.InitOptions{Strategy: "restore"}, nil)
	require.NoError(t, err)
	return c, dest
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestActions(t *testing.T) {
	ctx := context.Background()
	c, dest := newController(t)

	for _, a := range push.Actions {
		assert.True(t, c.HasAction(a))
	}
	assert.False(t, c.HasAction("dropDatabase"))

	_, err := c.Do(ctx, transfer.ActionBootstrap)
	require.NoError(t, err)
	_, err = c.Do(ctx, transfer.ActionBeforeTransfer)
	require.NoError(t, err)

	res, err := c.Do(ctx, transfer.ActionGetMetadata)
	require.NoError(t, err)
	assert.Equal(t, semver.Version{Major: 1}, res.(*provider.Metadata).Version)

	_, err = c.Do(ctx, "dropDatabase")
	assert.True(t, transfer.IsKind(err, transfer.TransferFailure))

	_, err = c.Do(ctx, transfer.ActionClose)
	require.NoError(t, err)
	assert.Equal(t, []string{"bootstrap", "beforeTransfer", "close"}, dest.calls)

	c.Teardown(ctx)
	assert.False(t, dest.rolledBack, "closed destination must not be rolled back")
}

func TestStreamRecords(t *testing.T) {
	ctx := context.Background()
	c, dest := newController(t)

	for i := 1; i <= 3; i++ {
		err := c.Stream(ctx, transfer.StepEntities, raw(t, provider.Entity{Type: "article", ID: raw(t, i)}))
		require.NoError(t, err)
	}
	require.NoError(t, c.Stream(ctx, transfer.StepLinks, raw(t, provider.Link{Kind: "relation", Relation: "oneToMany"})))
	require.NoError(t, c.Stream(ctx, transfer.StepConfiguration, raw(t, provider.Configuration{Type: "core-store", Value: raw(t, "x")})))

	assert.Len(t, dest.entities, 3)
	assert.Len(t, dest.links, 1)
	assert.Len(t, dest.configuration, 1)
	assert.Equal(t, map[string]int{"entities": 1, "links": 1, "configuration": 1}, dest.writers)

	t.Run("unknown step", func(t *testing.T) {
		err := c.Stream(ctx, "users", raw(t, 1))
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure))
	})

	t.Run("write error propagates", func(t *testing.T) {
		dest.writeErr = errors.New("constraint failed")
		err := c.Stream(ctx, transfer.StepEntities, raw(t, provider.Entity{Type: "article", ID: raw(t, 9)}))
		assert.ErrorIs(t, err, dest.writeErr)
	})

	t.Run("teardown rolls back unclosed destination", func(t *testing.T) {
		c.Teardown(ctx)
		assert.True(t, dest.rolledBack)
	})
}

func TestAssets(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		c, dest := newController(t)
		chunks := [][]byte{[]byte("hello "), {0, 1, 2, 255}, []byte(" world")}

		start := transfer.AssetPayload{
			Action:  transfer.StepStart,
			AssetID: "a1",
			Data:    raw(t, transfer.AssetMetadata{Filename: "logo.png", Filepath: "/uploads/logo.png", Stats: transfer.AssetStats{Size: 16}}),
		}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, start)))

		var want []byte
		for _, chunk := range chunks {
			want = append(want, chunk...)
			p := transfer.AssetPayload{Action: transfer.StepStream, AssetID: "a1", Data: raw(t, transfer.Buffer(chunk))}
			require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, p)))
		}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, transfer.AssetPayload{Action: transfer.StepEnd, AssetID: "a1"})))
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, json.RawMessage("null")))

		assert.Equal(t, want, dest.assets["logo.png"])
		assert.True(t, dest.assetsClosed)
		assert.Equal(t, 1, dest.writers["assets"])

		err := c.Stream(ctx, transfer.StepAssets, raw(t, transfer.AssetPayload{Action: transfer.StepEnd, AssetID: "a1"}))
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure), "ended asset is removed")
	})

	t.Run("stream without start", func(t *testing.T) {
		c, _ := newController(t)
		p := transfer.AssetPayload{Action: transfer.StepStream, AssetID: "ghost", Data: raw(t, transfer.Buffer("x"))}
		err := c.Stream(ctx, transfer.StepAssets, raw(t, p))
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure))
	})

	t.Run("end without start", func(t *testing.T) {
		c, _ := newController(t)
		err := c.Stream(ctx, transfer.StepAssets, raw(t, transfer.AssetPayload{Action: transfer.StepEnd, AssetID: "ghost"}))
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure))
	})

	t.Run("null before any asset", func(t *testing.T) {
		c, dest := newController(t)
		assert.NoError(t, c.Stream(ctx, transfer.StepAssets, json.RawMessage("null")))
		assert.Zero(t, dest.writers["assets"])
	})

	t.Run("null ends the step and aborts unfinished assets", func(t *testing.T) {
		c, dest := newController(t)
		start := transfer.AssetPayload{Action: transfer.StepStart, AssetID: "a3", Data: raw(t, transfer.AssetMetadata{Filename: "half.bin"})}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, start)))
		p := transfer.AssetPayload{Action: transfer.StepStream, AssetID: "a3", Data: raw(t, transfer.Buffer("x"))}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, p)))

		err := c.Stream(ctx, transfer.StepAssets, json.RawMessage("null"))
		require.Error(t, err)
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure))
		var terr *transfer.Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, []string{"a3"}, terr.Details["assetIDs"])
		assert.True(t, dest.assetsClosed)
		assert.NotContains(t, dest.assets, "half.bin")

		next := transfer.AssetPayload{Action: transfer.StepStart, AssetID: "a4", Data: raw(t, transfer.AssetMetadata{Filename: "next.txt"})}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, next)))
		p = transfer.AssetPayload{Action: transfer.StepStream, AssetID: "a4", Data: raw(t, transfer.Buffer("ok"))}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, p)))
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, transfer.AssetPayload{Action: transfer.StepEnd, AssetID: "a4"})))
		assert.Equal(t, []byte("ok"), dest.assets["next.txt"])
		assert.Equal(t, 2, dest.writers["assets"])
	})

	t.Run("teardown aborts pending assets", func(t *testing.T) {
		c, _ := newController(t)
		start := transfer.AssetPayload{Action: transfer.StepStart, AssetID: "a2", Data: raw(t, transfer.AssetMetadata{Filename: "big.bin"})}
		require.NoError(t, c.Stream(ctx, transfer.StepAssets, raw(t, start)))
		c.Teardown(ctx)

		p := transfer.AssetPayload{Action: transfer.StepStream, AssetID: "a2", Data: raw(t, transfer.Buffer("x"))}
		err := c.Stream(ctx, transfer.StepAssets, raw(t, p))
		assert.True(t, transfer.IsKind(err, transfer.TransferFailure))
	})
}
