// Package push adapts the named actions and steps of a push transfer to the
// writers of a local destination.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"go.uber.org/zap"
)

// Actions lists the actions a push controller answers to, in a stable order.
var Actions = []transfer.Action{
	transfer.ActionGetSchemas,
	transfer.ActionGetMetadata,
	transfer.ActionBootstrap,
	transfer.ActionClose,
	transfer.ActionBeforeTransfer,
}

var (
	errTransferAborted = errors.New("transfer aborted")
	errAssetsEnded     = errors.New("assets step ended")
)

type pendingAsset struct {
	w    *io.PipeWriter
	done chan error
}

// Controller is created per push transfer. It is not safe for concurrent use;
// the transfer handler drives it from a single goroutine.
type Controller struct {
	dest   provider.Destination
	logger *zap.Logger
	closed bool

	entities      provider.Writer[provider.Entity]
	links         provider.Writer[provider.Link]
	configuration provider.Writer[provider.Configuration]
	assets        provider.Writer[provider.Asset]

	mu      sync.Mutex
	pending map[string]*pendingAsset
}

// New builds the destination for a push transfer through app.
func New(app provider.App, opts transfer.InitOptions, logger *zap.Logger) (*Controller, error) {
	dest, err := app.NewDestination(opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		dest:    dest,
		logger:  logger,
		pending: make(map[string]*pendingAsset),
	}, nil
}

// HasAction reports whether action is registered on the controller.
func (c *Controller) HasAction(action transfer.Action) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Do runs an action and returns its result.
func (c *Controller) Do(ctx context.Context, action transfer.Action) (any, error) {
	switch action {
	case transfer.ActionGetSchemas:
		return c.dest.GetSchemas(ctx)
	case transfer.ActionGetMetadata:
		return c.dest.GetMetadata(ctx)
	case transfer.ActionBootstrap:
		return nil, c.dest.Bootstrap(ctx)
	case transfer.ActionClose:
		c.closed = true
		return nil, c.dest.Close(ctx)
	case transfer.ActionBeforeTransfer:
		return nil, c.dest.BeforeTransfer(ctx)
	default:
		return nil, transfer.NewTransferError(fmt.Sprintf("Invalid action provided: %q", action), map[string]any{
			"action":       action,
			"validActions": Actions,
		})
	}
}

// Stream writes one item of the given step.
func (c *Controller) Stream(ctx context.Context, step transfer.Step, data json.RawMessage) error {
	switch step {
	case transfer.StepEntities:
		return c.streamEntity(ctx, data)
	case transfer.StepLinks:
		return c.streamLink(ctx, data)
	case transfer.StepConfiguration:
		return c.streamConfiguration(ctx, data)
	case transfer.StepAssets:
		return c.streamAsset(ctx, data)
	default:
		return transfer.NewTransferError(fmt.Sprintf("Invalid step provided: %q", step), map[string]any{
			"step":       step,
			"validSteps": transfer.Steps,
		})
	}
}

func (c *Controller) streamEntity(ctx context.Context, data json.RawMessage) error {
	var entity provider.Entity
	if err := decode(transfer.StepEntities, data, &entity); err != nil {
		return err
	}
	if c.entities == nil {
		w, err := c.dest.CreateEntitiesWriter(ctx)
		if err != nil {
			return fmt.Errorf("creating entities writer: %w", err)
		}
		c.entities = w
	}
	return c.entities.Write(ctx, entity)
}

func (c *Controller) streamLink(ctx context.Context, data json.RawMessage) error {
	var link provider.Link
	if err := decode(transfer.StepLinks, data, &link); err != nil {
		return err
	}
	if c.links == nil {
		w, err := c.dest.CreateLinksWriter(ctx)
		if err != nil {
			return fmt.Errorf("creating links writer: %w", err)
		}
		c.links = w
	}
	return c.links.Write(ctx, link)
}

func (c *Controller) streamConfiguration(ctx context.Context, data json.RawMessage) error {
	var config provider.Configuration
	if err := decode(transfer.StepConfiguration, data, &config); err != nil {
		return err
	}
	if c.configuration == nil {
		w, err := c.dest.CreateConfigurationWriter(ctx)
		if err != nil {
			return fmt.Errorf("creating configuration writer: %w", err)
		}
		c.configuration = w
	}
	return c.configuration.Write(ctx, config)
}

func (c *Controller) streamAsset(ctx context.Context, data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return c.endAssets(ctx)
	}

	var payload transfer.AssetPayload
	if err := decode(transfer.StepAssets, data, &payload); err != nil {
		return err
	}
	if c.assets == nil {
		w, err := c.dest.CreateAssetsWriter(ctx)
		if err != nil {
			return fmt.Errorf("creating assets writer: %w", err)
		}
		c.assets = w
	}

	switch payload.Action {
	case transfer.StepStart:
		return c.startAsset(ctx, payload)
	case transfer.StepStream:
		var chunk transfer.Buffer
		if err := json.Unmarshal(payload.Data, &chunk); err != nil {
			return transfer.NewTransferError("invalid asset chunk", map[string]any{"assetID": payload.AssetID, "error": err.Error()})
		}
		a, err := c.pendingAsset(payload.AssetID)
		if err != nil {
			return err
		}
		if _, err := a.w.Write(chunk); err != nil {
			return fmt.Errorf("writing chunk of asset %s: %w", payload.AssetID, err)
		}
		return nil
	case transfer.StepEnd:
		a, err := c.pendingAsset(payload.AssetID)
		if err != nil {
			return err
		}
		a.w.Close()
		err = <-a.done
		c.mu.Lock()
		delete(c.pending, payload.AssetID)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("writing asset %s: %w", payload.AssetID, err)
		}
		return nil
	default:
		return transfer.NewTransferError(fmt.Sprintf("Invalid asset action provided: %q", payload.Action), map[string]any{
			"action":       payload.Action,
			"validActions": []transfer.StepAction{transfer.StepStart, transfer.StepStream, transfer.StepEnd},
		})
	}
}

// endAssets finishes the assets step. Assets that were started but never
// ended are aborted and reported.
func (c *Controller) endAssets(ctx context.Context) error {
	c.mu.Lock()
	aborted := make([]string, 0, len(c.pending))
	for id, a := range c.pending {
		a.w.CloseWithError(errAssetsEnded)
		<-a.done
		delete(c.pending, id)
		aborted = append(aborted, id)
	}
	c.mu.Unlock()

	var err error
	if c.assets != nil {
		err = c.assets.Close(ctx)
		c.assets = nil
	}
	if len(aborted) > 0 {
		slices.Sort(aborted)
		return transfer.NewTransferError("Assets step ended with unfinished assets", map[string]any{"assetIDs": aborted})
	}
	return err
}

// startAsset registers a pending asset and hands its reading end to the
// assets writer, which consumes it until the asset is ended.
func (c *Controller) startAsset(ctx context.Context, payload transfer.AssetPayload) error {
	var meta transfer.AssetMetadata
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &meta); err != nil {
			return transfer.NewTransferError("invalid asset metadata", map[string]any{"assetID": payload.AssetID, "error": err.Error()})
		}
	}
	c.mu.Lock()
	if _, ok := c.pending[payload.AssetID]; ok {
		c.mu.Unlock()
		return transfer.NewTransferError("asset already started", map[string]any{"assetID": payload.AssetID})
	}
	r, w := io.Pipe()
	a := &pendingAsset{w: w, done: make(chan error, 1)}
	c.pending[payload.AssetID] = a
	c.mu.Unlock()

	asset := provider.Asset{
		Filename: meta.Filename,
		Filepath: meta.Filepath,
		Stats:    meta.Stats,
		Reader:   r,
	}
	writer := c.assets
	go func() {
		err := writer.Write(ctx, asset)
		if err != nil {
			r.CloseWithError(err)
		} else {
			// Drain anything the writer left unread so the sender never blocks.
			_, _ = io.Copy(io.Discard, r)
		}
		a.done <- err
	}()
	return nil
}

func (c *Controller) pendingAsset(id string) (*pendingAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.pending[id]
	if !ok {
		return nil, transfer.NewTransferError(fmt.Sprintf("No pending asset with id %q", id), map[string]any{"assetID": id})
	}
	return a, nil
}

// Teardown releases everything the controller holds without draining.
// Pending assets are aborted and a destination that was never closed is
// rolled back when it supports it.
func (c *Controller) Teardown(ctx context.Context) {
	c.mu.Lock()
	for id, a := range c.pending {
		a.w.CloseWithError(errTransferAborted)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if c.closed {
		return
	}
	if rb, ok := c.dest.(provider.Rollbacker); ok {
		if err := rb.Rollback(ctx); err != nil {
			c.logger.Warn("rolling back destination", zap.Error(err))
		}
	}
}

func decode(step transfer.Step, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return transfer.NewTransferError(fmt.Sprintf("invalid %s payload", step), map[string]any{"step": step, "error": err.Error()})
	}
	return nil
}
