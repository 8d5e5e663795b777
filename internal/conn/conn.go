package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"nhooyr.io/websocket"
)

// ReadLimit bounds the size of a single inbound message. Asset chunks travel
// as JSON arrays of byte values, roughly four times their binary size.
const ReadLimit = 16 << 20

// ErrClosed is returned by Read once the peer has closed the connection.
var ErrClosed = errors.New("connection closed")

// Conn is an interface that wraps a message oriented network connection.
type Conn interface {
	Write(context.Context, []byte) error
	Read(context.Context) ([]byte, error)
}

// ------------------------------------------------ Conn implementations -----------------------------------------------

// WS is a wrapper around a websocket connection.
type WS struct {
	Conn *websocket.Conn
}

// NewWS wraps ws and raises its read limit to ReadLimit.
func NewWS(ws *websocket.Conn) *WS {
	ws.SetReadLimit(ReadLimit)
	return &WS{Conn: ws}
}

func (ws *WS) Write(ctx context.Context, payload []byte) error {
	return ws.Conn.Write(ctx, websocket.MessageText, payload)
}

// Read reads one message. Orderly closes by the peer are reported as ErrClosed.
func (ws *WS) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := ws.Conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return payload, nil
}

// Close performs the closing handshake.
func (ws *WS) Close() error {
	return ws.Conn.Close(websocket.StatusNormalClosure, "")
}

// ----------------------------------------------------- Envelope ------------------------------------------------------

// Envelope exchanges JSON encoded transfer messages over the underlying connection.
type Envelope struct {
	Conn Conn
}

// WriteMsg writes a request envelope.
func (e Envelope) WriteMsg(ctx context.Context, msg transfer.Msg) error {
	return e.write(ctx, msg)
}

// ReadMsg reads a request envelope. A payload that is not valid JSON is a
// protocol error; the connection remains usable.
func (e Envelope) ReadMsg(ctx context.Context) (transfer.Msg, error) {
	b, err := e.Conn.Read(ctx)
	if err != nil {
		return transfer.Msg{}, err
	}
	var msg transfer.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return transfer.Msg{}, &transfer.Error{Kind: transfer.Protocol, Message: "malformed message", Err: err}
	}
	return msg, nil
}

// WriteResponse writes a response envelope.
func (e Envelope) WriteResponse(ctx context.Context, res transfer.Response) error {
	if res.Data == nil {
		res.Data = json.RawMessage("null")
	}
	return e.write(ctx, res)
}

// ReadResponse reads a response envelope.
func (e Envelope) ReadResponse(ctx context.Context) (transfer.Response, error) {
	b, err := e.Conn.Read(ctx)
	if err != nil {
		return transfer.Response{}, err
	}
	var res transfer.Response
	if err := json.Unmarshal(b, &res); err != nil {
		return transfer.Response{}, &transfer.Error{Kind: transfer.Protocol, Message: "malformed response", Err: err}
	}
	return res, nil
}

func (e Envelope) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.Conn.Write(ctx, b)
}
