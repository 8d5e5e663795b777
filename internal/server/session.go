package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/push"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// session is the state of one connection. It is IDLE while transfer is nil
// and ACTIVE otherwise; at most one transfer is active at a time.
type session struct {
	app    provider.App
	base   *zap.Logger
	logger *zap.Logger

	controller *push.Controller
	transfer   *transfer.Transfer
}

func newSession(app provider.App, logger *zap.Logger) *session {
	return &session{app: app, base: logger, logger: logger}
}

// handle answers one request. The response always carries the request uuid.
func (s *session) handle(ctx context.Context, msg transfer.Msg) transfer.Response {
	res := transfer.Response{UUID: msg.UUID}
	var (
		data any
		err  error
	)
	switch {
	case msg.UUID == "":
		err = transfer.NewProtocolError("Missing uuid in message", nil)
	case msg.Type == transfer.TypeCommand:
		data, err = s.onCommand(ctx, msg)
	case msg.Type == transfer.TypeTransfer:
		data, err = s.onTransfer(ctx, msg)
	default:
		err = transfer.NewProtocolError("Bad request", map[string]any{
			"type":       msg.Type,
			"validTypes": []transfer.MsgType{transfer.TypeCommand, transfer.TypeTransfer},
		})
	}
	if err != nil {
		s.logger.Debug("request failed", zap.String("uuid", msg.UUID), zap.Error(err))
		res.Error = transfer.ToResponseError(err)
		return res
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			res.Error = transfer.ToResponseError(fmt.Errorf("encoding response: %w", err))
			return res
		}
		res.Data = b
	}
	return res
}

func (s *session) onCommand(ctx context.Context, msg transfer.Msg) (any, error) {
	switch msg.Command {
	case transfer.CommandInit:
		return s.init(msg)
	case transfer.CommandEnd:
		s.teardown(ctx)
		return transfer.EndResult{OK: true}, nil
	case transfer.CommandStatus:
		return nil, transfer.NewProtocolError(`Command not implemented: "status"`, map[string]any{
			"command":       msg.Command,
			"validCommands": transfer.Commands,
		})
	default:
		return nil, transfer.NewProtocolError(fmt.Sprintf("Unknown command: %q", msg.Command), map[string]any{
			"command":       msg.Command,
			"validCommands": transfer.Commands,
		})
	}
}

func (s *session) init(msg transfer.Msg) (any, error) {
	if s.controller != nil {
		return nil, transfer.NewInitializationError("Transfer already in progress", map[string]any{
			"transferID": s.transfer.ID,
		})
	}
	var params transfer.InitParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, transfer.NewProtocolError("invalid init params", map[string]any{"error": err.Error()})
		}
	}
	if params.Transfer != transfer.KindPush {
		return nil, transfer.NewTransferError(fmt.Sprintf("Transfer type not implemented: %q", params.Transfer), map[string]any{
			"transfer":       params.Transfer,
			"validTransfers": transfer.Kinds,
		})
	}

	t := transfer.Transfer{ID: uuid.NewString(), Kind: params.Transfer}
	logger := s.base.With(zap.String("transfer_id", t.ID))
	controller, err := push.New(s.app, params.Options, logger)
	if err != nil {
		return nil, err
	}
	s.controller = controller
	s.transfer = &t
	s.logger = logger
	s.logger.Info("transfer initialized", zap.String("kind", string(t.Kind)))
	return transfer.InitResult{TransferID: t.ID}, nil
}

func (s *session) onTransfer(ctx context.Context, msg transfer.Msg) (any, error) {
	if s.transfer != nil && s.transfer.Kind == transfer.KindPull {
		return nil, transfer.NewTransferError("Pull transfer not implemented", nil)
	}
	if s.controller == nil {
		return nil, transfer.NewTransferError("The transfer hasn't been initialized", nil)
	}
	if msg.TransferID == "" {
		return nil, transfer.NewTransferError("Missing transfer ID", nil)
	}
	if msg.TransferID != s.transfer.ID {
		return nil, transfer.NewTransferError(fmt.Sprintf("Unknown transfer ID: %q", msg.TransferID), map[string]any{
			"transferID": msg.TransferID,
		})
	}

	switch msg.Kind {
	case transfer.MsgKindAction:
		action := transfer.Action(msg.Action)
		if !s.controller.HasAction(action) {
			return nil, transfer.NewTransferError(fmt.Sprintf("Invalid action provided: %q", msg.Action), map[string]any{
				"action":       msg.Action,
				"validActions": push.Actions,
			})
		}
		return s.controller.Do(ctx, action)
	case transfer.MsgKindStep:
		return nil, s.onStep(ctx, msg)
	default:
		return nil, transfer.NewProtocolError(fmt.Sprintf("Unknown transfer message kind: %q", msg.Kind), map[string]any{
			"kind":       msg.Kind,
			"validKinds": []transfer.MsgKind{transfer.MsgKindAction, transfer.MsgKindStep},
		})
	}
}

// onStep handles step messages. start and end only mark step boundaries.
func (s *session) onStep(ctx context.Context, msg transfer.Msg) error {
	switch transfer.StepAction(msg.Action) {
	case transfer.StepStart, transfer.StepEnd:
		s.logger.Debug("step boundary", zap.String("step", string(msg.Step)), zap.String("action", msg.Action))
		return nil
	case transfer.StepStream:
		return s.controller.Stream(ctx, msg.Step, msg.Data)
	default:
		return transfer.NewTransferError(fmt.Sprintf("Invalid step action provided: %q", msg.Action), map[string]any{
			"action":       msg.Action,
			"validActions": []transfer.StepAction{transfer.StepStart, transfer.StepStream, transfer.StepEnd},
		})
	}
}

// teardown returns the session to IDLE. Calling it while IDLE is a no-op.
func (s *session) teardown(ctx context.Context) {
	if s.controller != nil {
		s.controller.Teardown(ctx)
		s.logger.Info("transfer torn down")
	}
	s.controller = nil
	s.transfer = nil
	s.logger = s.base
}
