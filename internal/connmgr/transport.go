package connmgr

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one accepted client channel carrying encoded messages.
// Write is never called concurrently for the same transport; Close may be.
type Transport interface {
	Write(data []byte, deadline time.Time) error
	// ReadMessage blocks for the next inbound message. An error means the
	// peer is gone.
	ReadMessage() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Handshake completes the protocol-level acceptance of a raw connection.
// The manager tracks a client only after its handshake returns.
type Handshake func() (Transport, error)

const (
	closeGracePeriod = time.Second
	maxInboundSize   = 64 * 1024
)

// NewUpgrader returns a WebSocket upgrader accepting any origin.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}
}

// WebSocketHandshake upgrades an HTTP request. On failure the upgrader has
// already replied to the client with an HTTP error.
func WebSocketHandshake(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) Handshake {
	return func() (Transport, error) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(maxInboundSize)
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(data []byte, deadline time.Time) error {
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// LineHandshake wraps a raw stream connection speaking newline-delimited
// JSON. r must be the reader already used to consume the request line, if any.
func LineHandshake(conn net.Conn, r *bufio.Reader) Handshake {
	return func() (Transport, error) {
		if r == nil {
			r = bufio.NewReader(conn)
		}
		return &lineTransport{conn: conn, reader: r, closed: make(chan struct{})}, nil
	}
}

type lineTransport struct {
	conn      net.Conn
	reader    *bufio.Reader
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *lineTransport) Write(data []byte, deadline time.Time) error {
	_ = t.conn.SetWriteDeadline(deadline)
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

// ReadMessage treats a half-close as the peer being done sending, not gone:
// it blocks until Close. A dead peer still surfaces as a write failure.
func (t *lineTransport) ReadMessage() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if errors.Is(err, io.EOF) {
		<-t.closed
		return nil, net.ErrClosed
	}
	return line, err
}

func (t *lineTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}

func (t *lineTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
