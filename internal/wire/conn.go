package wire

import (
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the minimal read/write/close surface both nodes depend
// on. *Conn is the real websocket-backed implementation; tests supply
// in-memory fakes so the Chat Node and Exchange Node can each be
// exercised without a real socket or the other node present (spec.md
// §9, "Either side can be unit-tested against a mock of the other").
type Transport interface {
	ReadText() (string, error)
	WriteText(payload string) error
	Close() error
}

// Conn wraps a gorilla websocket connection so that every caller gets
// FIFO-ordered single-frame reads/writes and concurrent writers don't
// race on the underlying socket (gorilla's Conn.WriteMessage is not
// safe for concurrent callers). This plays the role the teacher's
// Peer.Send channel + dedicated writePeer goroutine play in
// node_impl.go, but folds the serialization into the transport itself
// so both Chat Node and Exchange Node can share one wrapper type.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Wrap adopts an already-established websocket connection (accepted
// or dialed) as a Conn.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, closed: make(chan struct{})}
}

// ReadText blocks for the next text frame. It returns an error on
// close or any non-text frame, treated uniformly as a hard
// disconnect by callers (spec.md §7, "transport close by peer").
func (c *Conn) ReadText() (string, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read frame: %w", err)
	}
	if msgType != websocket.TextMessage {
		return "", fmt.Errorf("unexpected frame type %d", msgType)
	}
	return string(data), nil
}

// WriteText sends one text frame. Safe for concurrent callers.
func (c *Conn) WriteText(payload string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close is idempotent; safe to call from both the owning read loop and
// an error path in a send helper.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// RemoteHost returns the bare host (no port) of the peer end of this
// connection, used by the Exchange Node to match an inbound connection
// against its configured peer list by source host (spec.md §4.2,
// "Peer identity").
func (c *Conn) RemoteHost() string {
	addr := c.ws.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
