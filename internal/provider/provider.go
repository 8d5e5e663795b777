// Package provider defines the collaborators a transfer moves data between:
// sources that produce records and destinations that consume them.
package provider

import (
	"context"
	"encoding/json"
	"io"

	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
)

// Entity is a structured record.
type Entity struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Link is a relation between two entities.
type Link struct {
	Kind     string  `json:"kind"`
	Relation string  `json:"relation"`
	Left     LinkEnd `json:"left"`
	Right    LinkEnd `json:"right"`
}

type LinkEnd struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"ref"`
	Field string          `json:"field,omitempty"`
}

// Configuration is a configuration blob.
type Configuration struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Asset is a binary file. Reader yields its content and is consumed once.
type Asset struct {
	Filename string
	Filepath string
	Stats    transfer.AssetStats
	Reader   io.Reader
}

// Metadata describes the repository on either end of a transfer.
type Metadata struct {
	Version   semver.Version `json:"version"`
	CreatedAt int64          `json:"createdAt,omitempty"`
}

// Schema describes one content type.
type Schema struct {
	UID        string                     `json:"uid"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// Writer accepts one item at a time. Write returns once the item has been
// acknowledged by the underlying sink.
type Writer[T any] interface {
	Write(ctx context.Context, item T) error
	Close(ctx context.Context) error
}

// Destination is the receiving end of a transfer.
type Destination interface {
	Bootstrap(ctx context.Context) error
	Close(ctx context.Context) error
	BeforeTransfer(ctx context.Context) error
	GetMetadata(ctx context.Context) (*Metadata, error)
	GetSchemas(ctx context.Context) (map[string]Schema, error)

	CreateEntitiesWriter(ctx context.Context) (Writer[Entity], error)
	CreateLinksWriter(ctx context.Context) (Writer[Link], error)
	CreateConfigurationWriter(ctx context.Context) (Writer[Configuration], error)
	CreateAssetsWriter(ctx context.Context) (Writer[Asset], error)
}

// Rollbacker is implemented by destinations able to discard everything
// written since Bootstrap.
type Rollbacker interface {
	Rollback(ctx context.Context) error
}

// MetadataSetter is implemented by destinations that record the metadata of
// the source they receive from.
type MetadataSetter interface {
	SetSourceMetadata(ctx context.Context, meta *Metadata) error
}

// SchemasWriterCreator is implemented by destinations that store the schemas
// of the source alongside the data.
type SchemasWriterCreator interface {
	CreateSchemasWriter(ctx context.Context) (Writer[Schema], error)
}

// Source is the producing end of a transfer. Each Stream method calls fn for
// every item in order and stops at the first error.
type Source interface {
	Bootstrap(ctx context.Context) error
	Close(ctx context.Context) error
	GetMetadata(ctx context.Context) (*Metadata, error)
	GetSchemas(ctx context.Context) (map[string]Schema, error)

	StreamEntities(ctx context.Context, fn func(Entity) error) error
	StreamLinks(ctx context.Context, fn func(Link) error) error
	StreamConfiguration(ctx context.Context, fn func(Configuration) error) error
	StreamAssets(ctx context.Context, fn func(Asset) error) error
}

// App is the application context handed to the server side of a transfer.
// It builds the destination that receives a push.
type App interface {
	NewDestination(opts transfer.InitOptions) (Destination, error)
}

// WriterFunc adapts a function to a Writer without close semantics.
type WriterFunc[T any] func(ctx context.Context, item T) error

func (f WriterFunc[T]) Write(ctx context.Context, item T) error { return f(ctx, item) }

func (f WriterFunc[T]) Close(context.Context) error { return nil }
