// Package dispatcher turns "send one envelope, get one correlated reply" into
// a blocking call, independent of how many other calls are in flight on the
// same connection.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/conn"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a dispatch waits for its reply.
const DefaultTimeout = 5 * time.Minute

type Option func(*Dispatcher)

// WithTimeout sets the reply timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(d2 *Dispatcher) { d2.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher correlates requests and responses by uuid.
type Dispatcher struct {
	ec      conn.Envelope
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]chan transfer.Response
	transfer *transfer.Transfer

	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// New starts a dispatcher reading responses from c until c fails or Stop is called.
func New(c conn.Conn, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ec:      conn.Envelope{Conn: c},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		pending: make(map[string]chan transfer.Response),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.listen(ctx)
	return d
}

// listen routes every inbound response to the waiter registered for its uuid.
// Responses nobody waits for are dropped.
func (d *Dispatcher) listen(ctx context.Context) {
	defer close(d.done)
	for {
		res, err := d.ec.ReadResponse(ctx)
		if transfer.IsKind(err, transfer.Protocol) {
			d.logger.Warn("dropping malformed response", zap.Error(err))
			continue
		}
		if err != nil {
			d.err = err
			if !errors.Is(err, conn.ErrClosed) && !errors.Is(err, context.Canceled) {
				d.logger.Error("reading from connection", zap.Error(err))
			}
			return
		}
		d.mu.Lock()
		waiter, ok := d.pending[res.UUID]
		delete(d.pending, res.UUID)
		d.mu.Unlock()
		if !ok {
			d.logger.Debug("dropping uncorrelated response", zap.String("uuid", res.UUID))
			continue
		}
		waiter <- res
	}
}

// Stop stops reading from the connection. Outstanding dispatches fail.
func (d *Dispatcher) Stop() {
	d.cancel()
}

// Done is closed once the dispatcher no longer reads from the connection.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Dispatch sends msg under a fresh correlation id and waits for the matching
// response. With attachTransfer the active transfer id is added to msg.
func (d *Dispatcher) Dispatch(ctx context.Context, msg transfer.Msg, attachTransfer bool) (json.RawMessage, error) {
	if d == nil || d.ec.Conn == nil {
		return nil, transfer.NewConnectionError("no connection found", nil)
	}
	msg.UUID = uuid.NewString()
	if attachTransfer {
		msg.TransferID = d.TransferID()
	}

	waiter := make(chan transfer.Response, 1)
	d.mu.Lock()
	d.pending[msg.UUID] = waiter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.UUID)
		d.mu.Unlock()
	}()

	select {
	case <-d.done:
		return nil, d.closedErr()
	default:
	}

	if err := d.ec.WriteMsg(ctx, msg); err != nil {
		return nil, transfer.NewConnectionError("sending message", err)
	}

	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-waiter:
		if res.Error != nil {
			return nil, res.Error.Err()
		}
		if len(res.Data) == 0 || string(res.Data) == "null" {
			return nil, nil
		}
		return res.Data, nil
	case <-d.done:
		return nil, d.closedErr()
	case <-timeout:
		return nil, transfer.NewConnectionError(fmt.Sprintf("no response after %s", d.timeout), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) closedErr() error {
	return transfer.NewConnectionError("connection closed before a response arrived", d.err)
}

// DispatchCommand sends a command message.
func (d *Dispatcher) DispatchCommand(ctx context.Context, command transfer.Command, params any) (json.RawMessage, error) {
	msg := transfer.Msg{Type: transfer.TypeCommand, Command: command}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", command, err)
		}
		msg.Params = b
	}
	return d.Dispatch(ctx, msg, false)
}

// DispatchTransferAction invokes a named action on the active transfer.
func (d *Dispatcher) DispatchTransferAction(ctx context.Context, action transfer.Action) (json.RawMessage, error) {
	return d.Dispatch(ctx, transfer.Msg{
		Type:   transfer.TypeTransfer,
		Kind:   transfer.MsgKindAction,
		Action: string(action),
	}, true)
}

// DispatchTransferStep sends one step message on the active transfer.
func (d *Dispatcher) DispatchTransferStep(ctx context.Context, action transfer.StepAction, step transfer.Step, data any) (json.RawMessage, error) {
	msg := transfer.Msg{
		Type:   transfer.TypeTransfer,
		Kind:   transfer.MsgKindStep,
		Action: string(action),
		Step:   step,
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s step data: %w", step, err)
	}
	msg.Data = b
	return d.Dispatch(ctx, msg, true)
}

// SetTransferProperties records the transfer returned by a successful init.
func (d *Dispatcher) SetTransferProperties(t transfer.Transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfer = &t
}

func (d *Dispatcher) TransferID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transfer == nil {
		return ""
	}
	return d.transfer.ID
}

func (d *Dispatcher) TransferKind() transfer.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transfer == nil {
		return ""
	}
	return d.transfer.Kind
}
