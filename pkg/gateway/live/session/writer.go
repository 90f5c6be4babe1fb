package session

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by sends after the client connection has gone.
var ErrConnClosed = errors.New("session: client connection closed")

const defaultWriteTimeout = 10 * time.Second

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Frame is one client websocket message, or the read error that ended the
// reader.
type Frame struct {
	MessageType int
	Data        []byte
	Err         error
}

// Conn is the client side of a live session. All writes go through one lock
// with a write deadline; a single reader goroutine feeds Frames.
type Conn struct {
	ws           wsConn
	writeTimeout time.Duration

	sendMu sync.Mutex
	alive  atomic.Bool

	readOnce sync.Once
	frames   chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return newConn(ws, writeTimeout)
}

func newConn(ws wsConn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		frames:       make(chan Frame, 16),
		done:         make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Frames starts the reader on first use. The channel is closed after the
// frame carrying the read error, or when the connection is closed.
func (c *Conn) Frames() <-chan Frame {
	c.readOnce.Do(func() { go c.readLoop() })
	return c.frames
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.alive.Store(false)
			select {
			case c.frames <- Frame{Err: err}:
			case <-c.done:
			}
			return
		}
		select {
		case c.frames <- Frame{MessageType: messageType, Data: data}:
		case <-c.done:
			return
		}
	}
}

// Alive reports whether the connection can still be written to.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Conn) write(messageType int, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.alive.Load() {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.alive.Store(false)
		return err
	}
	if err := c.ws.WriteMessage(messageType, payload); err != nil {
		c.alive.Store(false)
		return err
	}
	return nil
}

// Close sends a close frame with code and reason and closes the socket. Only
// the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		wasAlive := c.alive.Swap(false)
		c.sendMu.Lock()
		if wasAlive {
			msg := websocket.FormatCloseMessage(code, reason)
			err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		}
		c.sendMu.Unlock()
		close(c.done)
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// IsConnectionError reports whether err means the client transport is gone,
// as opposed to a problem with a single message.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"broken pipe",
		"connection reset",
		"use of closed network connection",
		"websocket: close",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
