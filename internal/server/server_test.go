package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/conn"
	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/provider/memory"
	"github.com/SpatiumPortae/datatransfer/internal/push"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/internal/server"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

var testVersion = semver.Version{Major: 4, Minor: 2, Patch: 1}

func newTestServer(t *testing.T, opts ...server.Option) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := &memory.Store{Metadata: &provider.Metadata{Version: testVersion}}
	s := server.NewServer(0, testVersion, &memory.App{Store: store}, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + transfer.Path
}

type client struct {
	t  *testing.T
	ws *conn.WS
	ec conn.Envelope
}

func dial(t *testing.T, ts *httptest.Server) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	c := conn.NewWS(ws)
	t.Cleanup(func() { _ = c.Close() })
	return &client{t: t, ws: c, ec: conn.Envelope{Conn: c}}
}

func (c *client) roundTrip(msg transfer.Msg) transfer.Response {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.ec.WriteMsg(ctx, msg))
	res, err := c.ec.ReadResponse(ctx)
	require.NoError(c.t, err)
	return res
}

func (c *client) command(command transfer.Command, params any) transfer.Response {
	c.t.Helper()
	msg := transfer.Msg{UUID: uuid.NewString(), Type: transfer.TypeCommand, Command: command}
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(c.t, err)
		msg.Params = b
	}
	res := c.roundTrip(msg)
	assert.Equal(c.t, msg.UUID, res.UUID)
	return res
}

func (c *client) init() string {
	c.t.Helper()
	res := c.command(transfer.CommandInit, transfer.InitParams{Transfer: transfer.KindPush})
	require.Nil(c.t, res.Error)
	var result transfer.InitResult
	require.NoError(c.t, json.Unmarshal(res.Data, &result))
	require.NotEmpty(c.t, result.TransferID)
	return result.TransferID
}

func (c *client) action(transferID string, action string) transfer.Response {
	c.t.Helper()
	return c.roundTrip(transfer.Msg{
		UUID:       uuid.NewString(),
		Type:       transfer.TypeTransfer,
		Kind:       transfer.MsgKindAction,
		Action:     action,
		TransferID: transferID,
	})
}

func requireCode(t *testing.T, kind transfer.ErrorKind, res transfer.Response) {
	t.Helper()
	require.NotNil(t, res.Error, "expected %s error", kind.Name())
	assert.Equal(t, kind.Code(), res.Error.Code)
}

func TestTransferCommands(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("init and double init", func(t *testing.T) {
		c := dial(t, ts)
		id := c.init()
		_, err := uuid.Parse(id)
		assert.NoError(t, err)

		res := c.command(transfer.CommandInit, transfer.InitParams{Transfer: transfer.KindPush})
		requireCode(t, transfer.Initialization, res)
	})

	t.Run("init pull is rejected", func(t *testing.T) {
		c := dial(t, ts)
		res := c.command(transfer.CommandInit, transfer.InitParams{Transfer: transfer.KindPull})
		requireCode(t, transfer.TransferFailure, res)
		assert.ElementsMatch(t, []any{"push", "pull"}, res.Error.Details["validTransfers"])
	})

	t.Run("status is not implemented", func(t *testing.T) {
		c := dial(t, ts)
		res := c.command(transfer.CommandStatus, nil)
		requireCode(t, transfer.Protocol, res)
		assert.Len(t, res.Error.Details["validCommands"], len(transfer.Commands))
	})

	t.Run("end is idempotent", func(t *testing.T) {
		c := dial(t, ts)
		id := c.init()

		for i := 0; i < 2; i++ {
			res := c.command(transfer.CommandEnd, nil)
			require.Nil(t, res.Error)
			assert.JSONEq(t, `{"ok":true}`, string(res.Data))
		}

		res := c.action(id, string(transfer.ActionGetMetadata))
		requireCode(t, transfer.TransferFailure, res)
		assert.Contains(t, res.Error.Message, "hasn't been initialized")

		// A new transfer may start once the previous one ended.
		assert.NotEqual(t, id, c.init())
	})
}

func TestTransferActions(t *testing.T) {
	ts, store := newTestServer(t)
	c := dial(t, ts)
	id := c.init()

	t.Run("unknown action lists registered actions", func(t *testing.T) {
		res := c.action(id, "explode")
		requireCode(t, transfer.TransferFailure, res)

		want, err := json.Marshal(push.Actions)
		require.NoError(t, err)
		got, err := json.Marshal(res.Error.Details["validActions"])
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(got))
	})

	t.Run("unknown transfer id", func(t *testing.T) {
		res := c.action(uuid.NewString(), string(transfer.ActionBootstrap))
		requireCode(t, transfer.TransferFailure, res)
		assert.Contains(t, res.Error.Message, "Unknown transfer ID")
	})

	t.Run("missing transfer id", func(t *testing.T) {
		res := c.action("", string(transfer.ActionBootstrap))
		requireCode(t, transfer.TransferFailure, res)
	})

	t.Run("metadata", func(t *testing.T) {
		res := c.action(id, string(transfer.ActionGetMetadata))
		require.Nil(t, res.Error)
		var meta provider.Metadata
		require.NoError(t, json.Unmarshal(res.Data, &meta))
		assert.Equal(t, testVersion, meta.Version)
	})

	t.Run("lifecycle actions reach the destination", func(t *testing.T) {
		for _, a := range []transfer.Action{transfer.ActionBootstrap, transfer.ActionBeforeTransfer, transfer.ActionClose} {
			res := c.action(id, string(a))
			require.Nil(t, res.Error, a)
			assert.Contains(t, []string{"", "null"}, string(res.Data))
		}
		assert.Equal(t, []string{"bootstrap", "beforeTransfer", "close"}, store.Snapshot())
	})
}

func TestTransferSteps(t *testing.T) {
	ts, store := newTestServer(t)
	c := dial(t, ts)
	id := c.init()

	step := func(action transfer.StepAction, s transfer.Step, data any) transfer.Response {
		msg := transfer.Msg{
			UUID:       uuid.NewString(),
			Type:       transfer.TypeTransfer,
			Kind:       transfer.MsgKindStep,
			Action:     string(action),
			Step:       s,
			TransferID: id,
		}
		if data != nil {
			b, err := json.Marshal(data)
			require.NoError(t, err)
			msg.Data = b
		}
		return c.roundTrip(msg)
	}

	require.Nil(t, c.action(id, string(transfer.ActionBootstrap)).Error)
	require.Nil(t, step(transfer.StepStart, transfer.StepEntities, nil).Error)
	require.Nil(t, step(transfer.StepStream, transfer.StepEntities, provider.Entity{
		Type: "api::article.article",
		ID:   json.RawMessage(`1`),
		Data: json.RawMessage(`{"title":"hello"}`),
	}).Error)
	require.Nil(t, step(transfer.StepEnd, transfer.StepEntities, nil).Error)

	requireCode(t, transfer.TransferFailure, step("jump", transfer.StepEntities, nil))
	requireCode(t, transfer.TransferFailure, step(transfer.StepStream, "widgets", map[string]any{}))

	entities := store.EntitiesSnapshot()
	require.Len(t, entities, 1)
	assert.Equal(t, "api::article.article", entities[0].Type)
}

func TestMalformedRequests(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	t.Run("missing uuid", func(t *testing.T) {
		res := c.roundTrip(transfer.Msg{Type: transfer.TypeCommand, Command: transfer.CommandInit})
		requireCode(t, transfer.Protocol, res)
		assert.Empty(t, res.UUID)
	})

	t.Run("bad type", func(t *testing.T) {
		res := c.roundTrip(transfer.Msg{UUID: "abc", Type: "gossip"})
		requireCode(t, transfer.Protocol, res)
		assert.Equal(t, "abc", res.UUID)
		assert.Len(t, res.Error.Details["validTypes"], 2)
	})

	t.Run("invalid json", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.ws.Write(ctx, []byte("{not json")))
		res, err := c.ec.ReadResponse(ctx)
		require.NoError(t, err)
		requireCode(t, transfer.Protocol, res)

		// The connection survives a malformed message.
		res = c.command(transfer.CommandStatus, nil)
		requireCode(t, transfer.Protocol, res)
	})
}

func TestDisconnectRollsBack(t *testing.T) {
	ts, store := newTestServer(t)
	c := dial(t, ts)
	id := c.init()
	require.Nil(t, c.action(id, string(transfer.ActionBootstrap)).Error)

	require.NoError(t, c.ws.Close())
	assert.Eventually(t, func() bool {
		calls := store.Snapshot()
		return len(calls) > 0 && calls[len(calls)-1] == "rollback"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("transfer route requires an upgrade", func(t *testing.T) {
		res, err := http.Get(ts.URL + transfer.Path)
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusUpgradeRequired, res.StatusCode)
	})

	t.Run("version", func(t *testing.T) {
		v, err := semver.GetServerVersion(context.Background(), ts.URL)
		require.NoError(t, err)
		assert.Equal(t, testVersion, v)
	})

	t.Run("ping", func(t *testing.T) {
		res, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})
}

func TestAuthorization(t *testing.T) {
	ts, _ := newTestServer(t, server.WithToken("s3cret"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, res, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer nope"}},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	ws, _, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer s3cret"}},
	})
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")
}
