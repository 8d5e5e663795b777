// Package remote pushes a transfer to a transfer server over a websocket.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/conn"
	"github.com/SpatiumPortae/datatransfer/internal/dispatcher"
	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultChunkSize is the size of the asset chunks sent per stream step.
const DefaultChunkSize = 64 << 10

const AuthToken = "token"

var (
	validProtocols   = []string{"https:", "http:"}
	validAuthMethods = []string{AuthToken}
)

// Auth is the credential attached to the handshake.
type Auth struct {
	Type  string
	Token string
}

// Options configures a remote destination.
type Options struct {
	URL      *url.URL
	Auth     *Auth
	Strategy string
	Restore  *transfer.RestoreOptions

	// DispatchTimeout bounds the wait for each reply, zero keeps dispatcher.DefaultTimeout.
	DispatchTimeout time.Duration
	ChunkSize       int
	Logger          *zap.Logger
}

// Destination is a provider.Destination living on a remote transfer server.
type Destination struct {
	opts   Options
	logger *zap.Logger

	ws         *conn.WS
	dispatcher *dispatcher.Dispatcher
}

var (
	_ provider.Destination = (*Destination)(nil)
	_ provider.Rollbacker  = (*Destination)(nil)
)

func NewDestination(opts Options) *Destination {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	lgr := opts.Logger
	if lgr == nil {
		lgr = zap.NewNop()
	}
	return &Destination{opts: opts, logger: lgr}
}

// Bootstrap validates the target, connects, initializes a push transfer and
// runs the remote bootstrap action.
func (d *Destination) Bootstrap(ctx context.Context) error {
	wsURL, err := socketURL(d.opts.URL)
	if err != nil {
		return err
	}
	header, err := authHeader(d.opts.Auth)
	if err != nil {
		return err
	}

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return transfer.NewConnectionError(fmt.Sprintf("connecting to %s", wsURL), err)
	}
	d.ws = conn.NewWS(ws)
	d.logger = d.logger.With(zap.String("url", wsURL))

	dopts := []dispatcher.Option{dispatcher.WithLogger(d.logger)}
	if d.opts.DispatchTimeout > 0 {
		dopts = append(dopts, dispatcher.WithTimeout(d.opts.DispatchTimeout))
	}
	d.dispatcher = dispatcher.New(d.ws, dopts...)

	transferID, err := d.initTransfer(ctx)
	if err != nil {
		return d.fail(ctx, err)
	}
	d.dispatcher.SetTransferProperties(transfer.Transfer{ID: transferID, Kind: transfer.KindPush})
	d.logger = d.logger.With(zap.String("transfer_id", transferID))
	d.logger.Info("transfer initialized")

	if _, err := d.dispatcher.DispatchTransferAction(ctx, transfer.ActionBootstrap); err != nil {
		return d.fail(ctx, fmt.Errorf("bootstrapping remote destination: %w", err))
	}
	return nil
}

// fail releases the connection of a failed bootstrap and returns err.
func (d *Destination) fail(ctx context.Context, err error) error {
	if cerr := d.disconnect(context.WithoutCancel(ctx)); cerr != nil {
		d.logger.Debug("disconnecting after failed bootstrap", zap.Error(cerr))
	}
	return err
}

func (d *Destination) initTransfer(ctx context.Context) (string, error) {
	data, err := d.dispatcher.DispatchCommand(ctx, transfer.CommandInit, transfer.InitParams{
		Transfer: transfer.KindPush,
		Options: transfer.InitOptions{
			Strategy: d.opts.Strategy,
			Restore:  d.opts.Restore,
		},
	})
	if err != nil {
		return "", fmt.Errorf("initializing transfer: %w", err)
	}
	var res transfer.InitResult
	if data != nil {
		if err := json.Unmarshal(data, &res); err != nil {
			return "", transfer.NewTransferError("Init failed, invalid response from the server", map[string]any{"error": err.Error()})
		}
	}
	if res.TransferID == "" {
		return "", transfer.NewTransferError("Init failed, invalid response from the server", nil)
	}
	return res.TransferID, nil
}

// TransferID returns the id of the active transfer, empty before Bootstrap.
func (d *Destination) TransferID() string {
	if d.dispatcher == nil {
		return ""
	}
	return d.dispatcher.TransferID()
}

// Close runs the remote close action and closes the connection. The
// connection is closed even when the action fails.
func (d *Destination) Close(ctx context.Context) (err error) {
	if d.ws == nil {
		return nil
	}
	defer func() {
		if cerr := d.disconnect(ctx); err == nil {
			err = cerr
		}
	}()
	if _, err := d.dispatcher.DispatchTransferAction(ctx, transfer.ActionClose); err != nil {
		return fmt.Errorf("closing remote destination: %w", err)
	}
	return nil
}

// Rollback ends the remote transfer without closing its destination, which
// makes the server roll it back, then closes the connection.
func (d *Destination) Rollback(ctx context.Context) error {
	if d.ws == nil {
		return nil
	}
	if _, err := d.dispatcher.DispatchCommand(ctx, transfer.CommandEnd, nil); err != nil {
		d.logger.Warn("ending remote transfer", zap.Error(err))
	}
	return d.disconnect(ctx)
}

// Done is closed once the connection is no longer read from.
func (d *Destination) Done() <-chan struct{} {
	if d.dispatcher == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return d.dispatcher.Done()
}

// disconnect closes the socket and waits for the dispatcher to stop reading.
// Later calls are no-ops.
func (d *Destination) disconnect(ctx context.Context) error {
	if d.ws == nil {
		return nil
	}
	ws := d.ws
	d.ws = nil
	defer d.dispatcher.Stop()
	if err := ws.Close(); err != nil {
		d.logger.Debug("closing connection", zap.Error(err))
	}
	select {
	case <-d.dispatcher.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	d.logger.Info("connection closed")
	return nil
}

func (d *Destination) BeforeTransfer(ctx context.Context) error {
	if d.dispatcher == nil {
		return nil
	}
	_, err := d.dispatcher.DispatchTransferAction(ctx, transfer.ActionBeforeTransfer)
	return err
}

// GetMetadata returns nil when the destination has not been bootstrapped.
func (d *Destination) GetMetadata(ctx context.Context) (*provider.Metadata, error) {
	if d.dispatcher == nil {
		return nil, nil
	}
	data, err := d.dispatcher.DispatchTransferAction(ctx, transfer.ActionGetMetadata)
	if err != nil || data == nil {
		return nil, err
	}
	var meta provider.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// GetSchemas returns nil when the destination has not been bootstrapped.
func (d *Destination) GetSchemas(ctx context.Context) (map[string]provider.Schema, error) {
	if d.dispatcher == nil {
		return nil, nil
	}
	data, err := d.dispatcher.DispatchTransferAction(ctx, transfer.ActionGetSchemas)
	if err != nil || data == nil {
		return nil, err
	}
	var schemas map[string]provider.Schema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("decoding schemas: %w", err)
	}
	return schemas, nil
}

// ------------------------------------------------------ Writers ------------------------------------------------------

func (d *Destination) CreateEntitiesWriter(context.Context) (provider.Writer[provider.Entity], error) {
	return stepWriter[provider.Entity]{d: d, step: transfer.StepEntities}, nil
}

func (d *Destination) CreateLinksWriter(context.Context) (provider.Writer[provider.Link], error) {
	return stepWriter[provider.Link]{d: d, step: transfer.StepLinks}, nil
}

func (d *Destination) CreateConfigurationWriter(context.Context) (provider.Writer[provider.Configuration], error) {
	return stepWriter[provider.Configuration]{d: d, step: transfer.StepConfiguration}, nil
}

func (d *Destination) CreateAssetsWriter(context.Context) (provider.Writer[provider.Asset], error) {
	return assetsWriter{d: d}, nil
}

// streamStep sends one stream step and waits for its acknowledgement.
func (d *Destination) streamStep(ctx context.Context, step transfer.Step, data any) error {
	_, err := d.dispatcher.DispatchTransferStep(ctx, transfer.StepStream, step, data)
	if err != nil {
		return fmt.Errorf("streaming %s: %w", step, err)
	}
	return nil
}

type stepWriter[T any] struct {
	d    *Destination
	step transfer.Step
}

func (w stepWriter[T]) Write(ctx context.Context, item T) error {
	return w.d.streamStep(ctx, w.step, item)
}

func (w stepWriter[T]) Close(context.Context) error { return nil }

type assetsWriter struct {
	d *Destination
}

// Write sends start, one stream step per chunk and end, awaiting each in turn.
func (w assetsWriter) Write(ctx context.Context, asset provider.Asset) error {
	id := uuid.NewString()
	meta, err := json.Marshal(transfer.AssetMetadata{
		Filename: asset.Filename,
		Filepath: asset.Filepath,
		Stats:    asset.Stats,
	})
	if err != nil {
		return fmt.Errorf("encoding asset metadata: %w", err)
	}
	if err := w.d.streamStep(ctx, transfer.StepAssets, transfer.AssetPayload{Action: transfer.StepStart, AssetID: id, Data: meta}); err != nil {
		return err
	}

	buf := make([]byte, w.d.opts.ChunkSize)
	for {
		n, err := io.ReadFull(asset.Reader, buf)
		if n > 0 {
			chunk, merr := json.Marshal(transfer.Buffer(buf[:n]))
			if merr != nil {
				return fmt.Errorf("encoding asset chunk: %w", merr)
			}
			if err := w.d.streamStep(ctx, transfer.StepAssets, transfer.AssetPayload{Action: transfer.StepStream, AssetID: id, Data: chunk}); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading asset %s: %w", asset.Filename, err)
		}
	}

	return w.d.streamStep(ctx, transfer.StepAssets, transfer.AssetPayload{Action: transfer.StepEnd, AssetID: id})
}

// Close signals the end of the assets category with a null payload.
func (w assetsWriter) Close(ctx context.Context) error {
	return w.d.streamStep(ctx, transfer.StepAssets, nil)
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// socketURL maps an http(s) URL onto the websocket URL of the transfer route.
func socketURL(u *url.URL) (string, error) {
	if u == nil {
		return "", transfer.NewValidationError("Missing url", map[string]any{"check": "url", "validProtocols": validProtocols})
	}
	protocol := u.Scheme + ":"
	var wsScheme string
	switch protocol {
	case "https:":
		wsScheme = "wss"
	case "http:":
		wsScheme = "ws"
	default:
		return "", transfer.NewValidationError(fmt.Sprintf("Invalid protocol %q", protocol), map[string]any{
			"check":          "url",
			"protocol":       protocol,
			"validProtocols": validProtocols,
		})
	}
	return fmt.Sprintf("%s://%s%s%s", wsScheme, u.Host, strings.TrimSuffix(u.Path, "/"), transfer.Path), nil
}

func authHeader(auth *Auth) (http.Header, error) {
	if auth == nil {
		return nil, nil
	}
	if auth.Type != AuthToken {
		return nil, transfer.NewValidationError("Auth method not implemented", map[string]any{
			"check":            "auth.type",
			"auth":             auth.Type,
			"validAuthMethods": validAuthMethods,
		})
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+auth.Token)
	return h, nil
}
