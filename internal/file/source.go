package file

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/pkg/crypt"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/klauspost/pgzip"
)

var ErrUnpackNoHeader = errors.New("no header in tar archive")

// ErrMissingKey is returned when opening an encrypted archive without a key.
var ErrMissingKey = errors.New("archive is encrypted, an encryption key is required")

// Source reads an archive written by Destination. Compression and
// encryption are detected from the file extensions.
type Source struct {
	path string
	key  string
}

var _ provider.Source = (*Source)(nil)

func NewSource(archivePath, encryptionKey string) *Source {
	return &Source{path: archivePath, key: encryptionKey}
}

func (s *Source) Bootstrap(context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	if strings.HasSuffix(s.path, ExtEncrypted) && s.key == "" {
		return ErrMissingKey
	}
	return nil
}

func (s *Source) Close(context.Context) error { return nil }

// GetMetadata returns nil when the archive carries no metadata.
func (s *Source) GetMetadata(ctx context.Context) (*provider.Metadata, error) {
	var meta *provider.Metadata
	err := s.walk(ctx, func(name string, r io.Reader) error {
		if name != metadataFile {
			return nil
		}
		meta = &provider.Metadata{}
		return json.NewDecoder(r).Decode(meta)
	})
	return meta, err
}

func (s *Source) GetSchemas(ctx context.Context) (map[string]provider.Schema, error) {
	schemas := map[string]provider.Schema{}
	err := streamJSONL(ctx, s, schemasDir, func(schema provider.Schema) error {
		schemas[schema.UID] = schema
		return nil
	})
	return schemas, err
}

func (s *Source) StreamEntities(ctx context.Context, fn func(provider.Entity) error) error {
	return streamJSONL(ctx, s, entitiesDir, fn)
}

func (s *Source) StreamLinks(ctx context.Context, fn func(provider.Link) error) error {
	return streamJSONL(ctx, s, linksDir, fn)
}

func (s *Source) StreamConfiguration(ctx context.Context, fn func(provider.Configuration) error) error {
	return streamJSONL(ctx, s, configDir, fn)
}

// StreamAssets pairs every upload entry with the metadata entry written
// right before it.
func (s *Source) StreamAssets(ctx context.Context, fn func(provider.Asset) error) error {
	var pending *transfer.AssetMetadata
	return s.walk(ctx, func(name string, r io.Reader) error {
		switch {
		case strings.HasPrefix(name, assetsMetaDir+"/"):
			pending = &transfer.AssetMetadata{}
			if err := json.NewDecoder(r).Decode(pending); err != nil {
				return fmt.Errorf("decoding %s: %w", name, err)
			}
		case strings.HasPrefix(name, assetsFilesDir+"/"):
			rel := strings.TrimPrefix(name, assetsFilesDir+"/")
			asset := provider.Asset{Filename: path.Base(rel), Filepath: rel, Reader: r}
			if pending != nil {
				asset.Filename = pending.Filename
				asset.Filepath = pending.Filepath
				asset.Stats = pending.Stats
				pending = nil
			}
			return fn(asset)
		}
		return nil
	})
}

func streamJSONL[T any](ctx context.Context, s *Source, dir string, fn func(T) error) error {
	return s.walk(ctx, func(name string, r io.Reader) error {
		if !strings.HasPrefix(name, dir+"/") || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64<<10), DefaultMaxSizeJSONL)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			var item T
			if err := json.Unmarshal(sc.Bytes(), &item); err != nil {
				return fmt.Errorf("decoding %s: %w", name, err)
			}
			if err := fn(item); err != nil {
				return err
			}
		}
		return sc.Err()
	})
}

// walk calls fn for every regular entry of the archive, in archive order.
func (s *Source) walk(ctx context.Context, fn func(name string, r io.Reader) error) error {
	u, err := s.open()
	if err != nil {
		return err
	}
	defer u.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := u.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(header.Name, u.tr); err != nil {
			return err
		}
	}
}

func (s *Source) open() (*unpacker, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	name := s.path
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(name, ExtEncrypted) {
		if s.key == "" {
			f.Close()
			return nil, ErrMissingKey
		}
		r = crypt.NewReader(r, []byte(s.key))
		name = strings.TrimSuffix(name, ExtEncrypted)
	}
	u := &unpacker{f: f}
	if strings.HasSuffix(name, ExtGzip) {
		gr, err := pgzip.NewReader(r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening archive compression: %w", err)
		}
		u.gr = gr
		r = gr
	}
	u.tr = tar.NewReader(r)
	return u, nil
}

// unpacker owns the reader chain of one pass over an archive.
type unpacker struct {
	f  *os.File
	gr *pgzip.Reader
	tr *tar.Reader
}

func (u *unpacker) Next() (*tar.Header, error) {
	header, err := u.tr.Next()
	switch {
	case err != nil:
		return nil, err
	case header == nil:
		return nil, ErrUnpackNoHeader
	}
	return header, nil
}

// Close closes all underlying readers of the unpacker.
func (u *unpacker) Close() error {
	if u.gr != nil {
		if err := u.gr.Close(); err != nil {
			return err
		}
	}
	return u.f.Close()
}
