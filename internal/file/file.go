// Package file writes transfers into archives and reads them back. An archive
// is a tar stream, optionally pgzip compressed and then encrypted, holding
// one jsonl file per category and the asset files.
package file

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/pkg/crypt"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

const TEMP_FILE_NAME_PREFIX = "transfer-export-temp"

const (
	ExtTar       = ".tar"
	ExtGzip      = ".gz"
	ExtEncrypted = ".enc"

	// DefaultMaxSizeJSONL is the size after which a category continues in a new jsonl part.
	DefaultMaxSizeJSONL = 256 << 20
)

// Archive layout.
const (
	metadataFile   = "metadata.json"
	schemasDir     = "schemas"
	entitiesDir    = "entities"
	linksDir       = "links"
	configDir      = "configuration"
	assetsMetaDir  = "assets/metadata"
	assetsFilesDir = "assets/uploads"
)

// Options configure an archive. Path is the archive name without the
// extensions Destination appends.
type Options struct {
	Path          string
	Compress      bool
	EncryptionKey string
	MaxSizeJSONL  int
	Logger        *zap.Logger
}

// ArchivePath returns the file name the archive is written to.
func (o Options) ArchivePath() string {
	p := o.Path + ExtTar
	if o.Compress {
		p += ExtGzip
	}
	if o.EncryptionKey != "" {
		p += ExtEncrypted
	}
	return p
}

// DefaultExportName returns a timestamped archive name.
func DefaultExportName(now time.Time) string {
	return "export_" + now.Format("20060102150405")
}

// ---------------------------------------------------- Destination ----------------------------------------------------

// Destination writes a transfer into an archive. Writers must be used one
// category at a time, which is how the engine drives them.
type Destination struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	cw     *crypt.Writer
	gw     *pgzip.Writer
	tw     *tar.Writer
	closed bool
}

var (
	_ provider.Destination          = (*Destination)(nil)
	_ provider.Rollbacker           = (*Destination)(nil)
	_ provider.MetadataSetter       = (*Destination)(nil)
	_ provider.SchemasWriterCreator = (*Destination)(nil)
)

func NewDestination(opts Options) *Destination {
	if opts.MaxSizeJSONL <= 0 {
		opts.MaxSizeJSONL = DefaultMaxSizeJSONL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Destination{opts: opts, logger: opts.Logger.With(zap.String("archive", opts.ArchivePath()))}
}

// Path returns the archive file name.
func (d *Destination) Path() string {
	return d.opts.ArchivePath()
}

// Bootstrap creates the archive file and the writer chain
// tar -> pgzip -> crypt -> bufio -> file.
func (d *Destination) Bootstrap(context.Context) error {
	f, err := os.Create(d.opts.ArchivePath())
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	d.f = f
	d.bw = bufio.NewWriter(f)

	var w io.Writer = d.bw
	if d.opts.EncryptionKey != "" {
		cw, err := crypt.NewWriter(w, []byte(d.opts.EncryptionKey))
		if err != nil {
			f.Close()
			return fmt.Errorf("setting up encryption: %w", err)
		}
		d.cw = cw
		w = cw
	}
	if d.opts.Compress {
		d.gw = pgzip.NewWriter(w)
		w = d.gw
	}
	d.tw = tar.NewWriter(w)
	d.logger.Info("archive created")
	return nil
}

func (d *Destination) BeforeTransfer(context.Context) error { return nil }

// GetMetadata returns nil: an archive has no version to compare against.
func (d *Destination) GetMetadata(context.Context) (*provider.Metadata, error) { return nil, nil }

func (d *Destination) GetSchemas(context.Context) (map[string]provider.Schema, error) { return nil, nil }

func (d *Destination) SetSourceMetadata(_ context.Context, meta *provider.Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return d.writeEntry(metadataFile, int64(len(b)), bytes.NewReader(b))
}

// Close finalizes the archive, flushing every writer of the chain.
func (d *Destination) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tw == nil || d.closed {
		return nil
	}
	d.closed = true

	if err := d.tw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if d.gw != nil {
		if err := d.gw.Close(); err != nil {
			return fmt.Errorf("closing archive compression: %w", err)
		}
	}
	if d.cw != nil {
		if err := d.cw.Close(); err != nil {
			return fmt.Errorf("closing archive encryption: %w", err)
		}
	}
	if err := d.bw.Flush(); err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}
	d.logger.Info("archive written")
	return nil
}

// Rollback removes the partially written archive.
func (d *Destination) Rollback(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	d.closed = true
	d.f.Close()
	if err := os.Remove(d.opts.ArchivePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing archive: %w", err)
	}
	return nil
}

func (d *Destination) CreateSchemasWriter(context.Context) (provider.Writer[provider.Schema], error) {
	return newJSONLWriter[provider.Schema](d, schemasDir), nil
}

func (d *Destination) CreateEntitiesWriter(context.Context) (provider.Writer[provider.Entity], error) {
	return newJSONLWriter[provider.Entity](d, entitiesDir), nil
}

func (d *Destination) CreateLinksWriter(context.Context) (provider.Writer[provider.Link], error) {
	return newJSONLWriter[provider.Link](d, linksDir), nil
}

func (d *Destination) CreateConfigurationWriter(context.Context) (provider.Writer[provider.Configuration], error) {
	return newJSONLWriter[provider.Configuration](d, configDir), nil
}

func (d *Destination) CreateAssetsWriter(context.Context) (provider.Writer[provider.Asset], error) {
	return provider.WriterFunc[provider.Asset](d.writeAsset), nil
}

// writeAsset spools the asset to a temporary file, tar headers need the size
// up front, then adds its metadata and content entries.
func (d *Destination) writeAsset(_ context.Context, a provider.Asset) error {
	name, err := assetName(a)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(os.TempDir(), TEMP_FILE_NAME_PREFIX)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, a.Reader)
	if err != nil {
		return fmt.Errorf("spooling asset %s: %w", a.Filename, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	stats := a.Stats
	stats.Size = size
	meta, err := json.Marshal(transfer.AssetMetadata{Filename: a.Filename, Filepath: a.Filepath, Stats: stats})
	if err != nil {
		return fmt.Errorf("encoding asset metadata: %w", err)
	}
	if err := d.writeEntry(path.Join(assetsMetaDir, name+".json"), int64(len(meta)), bytes.NewReader(meta)); err != nil {
		return err
	}
	return d.writeEntry(path.Join(assetsFilesDir, name), size, tmp)
}

func (d *Destination) writeEntry(name string, size int64, r io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tw == nil || d.closed {
		return fmt.Errorf("writing %s: archive is not open", name)
	}
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    size,
		ModTime: time.Now(),
	}
	if err := d.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if _, err := io.Copy(d.tw, r); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// jsonlWriter buffers one line per item and starts a new part once the
// buffer would grow past the maximum size.
type jsonlWriter[T any] struct {
	d     *Destination
	dir   string
	buf   bytes.Buffer
	parts int
}

func newJSONLWriter[T any](d *Destination, dir string) *jsonlWriter[T] {
	return &jsonlWriter[T]{d: d, dir: dir}
}

func (w *jsonlWriter[T]) Write(_ context.Context, item T) error {
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding %s item: %w", w.dir, err)
	}
	if w.buf.Len() > 0 && w.buf.Len()+len(line)+1 > w.d.opts.MaxSizeJSONL {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	return nil
}

func (w *jsonlWriter[T]) Close(context.Context) error {
	if w.buf.Len() == 0 {
		return nil
	}
	return w.flush()
}

func (w *jsonlWriter[T]) flush() error {
	w.parts++
	name := fmt.Sprintf("%s/%s_%05d.jsonl", w.dir, w.dir, w.parts)
	err := w.d.writeEntry(name, int64(w.buf.Len()), &w.buf)
	w.buf.Reset()
	return err
}

// ----------------------------------------------------- Utilities -----------------------------------------------------

// assetName returns the slash separated name of an asset inside the archive.
func assetName(a provider.Asset) (string, error) {
	p := a.Filepath
	if p == "" {
		p = a.Filename
	}
	p = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" || p == "." {
		return "", transfer.NewValidationError(fmt.Sprintf("Invalid asset path %q", a.Filepath), map[string]any{
			"filename": a.Filename,
			"filepath": a.Filepath,
		})
	}
	return p, nil
}

// RemoveTemporaryFiles optimistically removes leftover files with the
// specified prefix from the temporary directory.
func RemoveTemporaryFiles(prefix string) {
	tempFiles, err := os.ReadDir(os.TempDir())
	if err != nil {
		return
	}
	for _, tempFile := range tempFiles {
		if strings.HasPrefix(tempFile.Name(), prefix) {
			os.Remove(filepath.Join(os.TempDir(), tempFile.Name()))
		}
	}
}
