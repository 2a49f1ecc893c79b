package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewWebSocketTransport adapts one websocket.Conn to an sdk.Transport. It
// serves both ends: the client dial and a server-side upgrade.
func NewWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Connect(context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	// gorilla allows one concurrent writer
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConnection) Close() error      { return w.conn.Close() }
func (w *wsConnection) SessionID() string { return "" }

// commandTransport speaks newline-delimited JSON-RPC over a child's stdio.
type commandTransport struct {
	conn *commandConnection
}

func newCommandTransport(r io.ReadCloser, w io.WriteCloser) *commandTransport {
	return &commandTransport{conn: newCommandConnection(r, w)}
}

func (t *commandTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type readResult struct {
	msg jsonrpc.Message
	err error
}

type commandConnection struct {
	reader    io.ReadCloser
	writer    io.WriteCloser
	incoming  chan readResult
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newCommandConnection(r io.ReadCloser, w io.WriteCloser) *commandConnection {
	c := &commandConnection{reader: r, writer: w, incoming: make(chan readResult, 1)}
	go c.readLoop()
	return c
}

func (c *commandConnection) readLoop() {
	defer close(c.incoming)
	dec := json.NewDecoder(c.reader)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.incoming <- readResult{err: err}
			return
		}
		msg, err := jsonrpc.DecodeMessage(raw)
		c.incoming <- readResult{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

func (c *commandConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return res.msg, res.err
	}
}

func (c *commandConnection) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(data)
	return err
}

func (c *commandConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.reader.Close(), c.writer.Close())
	})
	return c.closeErr
}

func (c *commandConnection) SessionID() string { return "" }
