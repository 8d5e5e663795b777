// Package memory keeps transfer data in memory. It backs dry runs and tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
)

// File is an asset held in memory.
type File struct {
	Filename string
	Filepath string
	Stats    transfer.AssetStats
	Data     []byte
}

// Store holds everything written to a Destination and read by a Source.
type Store struct {
	mu sync.Mutex

	Metadata      *provider.Metadata
	Schemas       map[string]provider.Schema
	Entities      []provider.Entity
	Links         []provider.Link
	Configuration []provider.Configuration
	Assets        []File

	// Calls records the lifecycle calls made on destinations, in order.
	Calls []string
}

func (s *Store) call(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, name)
}

// Snapshot returns a copy of the recorded calls.
func (s *Store) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

func (s *Store) EntitiesSnapshot() []provider.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Entity(nil), s.Entities...)
}

func (s *Store) AssetsSnapshot() []File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]File(nil), s.Assets...)
}

// App builds destinations writing into Store. Err, when set, is returned
// instead of a destination.
type App struct {
	Store *Store
	Err   error

	mu   sync.Mutex
	opts []transfer.InitOptions
}

// InitOptions returns the options of every destination requested so far.
func (a *App) InitOptions() []transfer.InitOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transfer.InitOptions(nil), a.opts...)
}

func (a *App) NewDestination(opts transfer.InitOptions) (provider.Destination, error) {
	a.mu.Lock()
	a.opts = append(a.opts, opts)
	a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	return &Destination{Store: a.Store}, nil
}

// Destination writes into Store. Rollback restores the state found at Bootstrap.
type Destination struct {
	Store *Store

	saved struct {
		entities      []provider.Entity
		links         []provider.Link
		configuration []provider.Configuration
		assets        []File
	}
}

var (
	_ provider.Destination = (*Destination)(nil)
	_ provider.Rollbacker  = (*Destination)(nil)
	_ provider.Source      = (*Source)(nil)
)

func (d *Destination) Bootstrap(context.Context) error {
	d.Store.call("bootstrap")
	d.Store.mu.Lock()
	defer d.Store.mu.Unlock()
	d.saved.entities = append([]provider.Entity(nil), d.Store.Entities...)
	d.saved.links = append([]provider.Link(nil), d.Store.Links...)
	d.saved.configuration = append([]provider.Configuration(nil), d.Store.Configuration...)
	d.saved.assets = append([]File(nil), d.Store.Assets...)
	return nil
}

func (d *Destination) Close(context.Context) error {
	d.Store.call("close")
	return nil
}

func (d *Destination) BeforeTransfer(context.Context) error {
	d.Store.call("beforeTransfer")
	return nil
}

func (d *Destination) Rollback(context.Context) error {
	d.Store.call("rollback")
	d.Store.mu.Lock()
	defer d.Store.mu.Unlock()
	d.Store.Entities = d.saved.entities
	d.Store.Links = d.saved.links
	d.Store.Configuration = d.saved.configuration
	d.Store.Assets = d.saved.assets
	return nil
}

func (d *Destination) GetMetadata(context.Context) (*provider.Metadata, error) {
	d.Store.mu.Lock()
	defer d.Store.mu.Unlock()
	return d.Store.Metadata, nil
}

func (d *Destination) GetSchemas(context.Context) (map[string]provider.Schema, error) {
	d.Store.mu.Lock()
	defer d.Store.mu.Unlock()
	return d.Store.Schemas, nil
}

func (d *Destination) CreateEntitiesWriter(context.Context) (provider.Writer[provider.Entity], error) {
	return provider.WriterFunc[provider.Entity](func(_ context.Context, e provider.Entity) error {
		d.Store.mu.Lock()
		defer d.Store.mu.Unlock()
		d.Store.Entities = append(d.Store.Entities, e)
		return nil
	}), nil
}

func (d *Destination) CreateLinksWriter(context.Context) (provider.Writer[provider.Link], error) {
	return provider.WriterFunc[provider.Link](func(_ context.Context, l provider.Link) error {
		d.Store.mu.Lock()
		defer d.Store.mu.Unlock()
		d.Store.Links = append(d.Store.Links, l)
		return nil
	}), nil
}

func (d *Destination) CreateConfigurationWriter(context.Context) (provider.Writer[provider.Configuration], error) {
	return provider.WriterFunc[provider.Configuration](func(_ context.Context, c provider.Configuration) error {
		d.Store.mu.Lock()
		defer d.Store.mu.Unlock()
		d.Store.Configuration = append(d.Store.Configuration, c)
		return nil
	}), nil
}

type assetsWriter struct{ d *Destination }

func (w assetsWriter) Write(_ context.Context, a provider.Asset) error {
	b, err := io.ReadAll(a.Reader)
	if err != nil {
		return err
	}
	w.d.Store.mu.Lock()
	defer w.d.Store.mu.Unlock()
	w.d.Store.Assets = append(w.d.Store.Assets, File{Filename: a.Filename, Filepath: a.Filepath, Stats: a.Stats, Data: b})
	return nil
}

func (w assetsWriter) Close(context.Context) error {
	w.d.Store.call("assets.close")
	return nil
}

func (d *Destination) CreateAssetsWriter(context.Context) (provider.Writer[provider.Asset], error) {
	return assetsWriter{d: d}, nil
}

// Source reads back from Store.
type Source struct {
	Store *Store
}

func (s *Source) Bootstrap(context.Context) error { return nil }
func (s *Source) Close(context.Context) error     { return nil }

func (s *Source) GetMetadata(context.Context) (*provider.Metadata, error) {
	return s.Store.Metadata, nil
}

func (s *Source) GetSchemas(context.Context) (map[string]provider.Schema, error) {
	return s.Store.Schemas, nil
}

func (s *Source) StreamEntities(_ context.Context, fn func(provider.Entity) error) error {
	return each(s.Store.Entities, fn)
}

func (s *Source) StreamLinks(_ context.Context, fn func(provider.Link) error) error {
	return each(s.Store.Links, fn)
}

func (s *Source) StreamConfiguration(_ context.Context, fn func(provider.Configuration) error) error {
	return each(s.Store.Configuration, fn)
}

func (s *Source) StreamAssets(_ context.Context, fn func(provider.Asset) error) error {
	for _, f := range s.Store.Assets {
		if err := fn(provider.Asset{
			Filename: f.Filename,
			Filepath: f.Filepath,
			Stats:    f.Stats,
			Reader:   bytes.NewReader(f.Data),
		}); err != nil {
			return err
		}
	}
	return nil
}

func each[T any](items []T, fn func(T) error) error {
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
