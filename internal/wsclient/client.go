package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler is called for every text frame received.
type Handler func(message []byte)

// ErrNotConnected is returned when writing before Connect or after the read loop ended.
var ErrNotConnected = errors.New("websocket not connected")

// Client is a single-connection WebSocket client. It does not reconnect:
// when the read loop ends, Done is closed and OnDisconnect is called; the
// owner decides whether to dial again with a fresh Client.
type Client struct {
	url     string
	header  http.Header
	logger  *zap.Logger
	handler Handler

	// OnDisconnect, when set, is called once with the read error after an
	// unexpected disconnect. It is not called after Close.
	OnDisconnect func(err error)

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a client for url. Nothing is dialed until Connect.
func New(url string, header http.Header, handler Handler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		header:  header,
		logger:  logger,
		handler: handler,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return ErrNotConnected
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.logger.Debug("ws.connected", zap.String("url", redact(c.url)))

	go c.readLoop()
	return nil
}

// IsConnected reports whether the read loop is running.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Done is closed when the read loop exits for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// WriteJSON sends v as a text frame.
func (c *Client) WriteJSON(v any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// KeepAlive calls send every interval until the connection ends.
func (c *Client) KeepAlive(interval time.Duration, send func() error) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-c.stop:
				return
			case <-t.C:
				if err := send(); err != nil {
					c.logger.Warn("ws.keepalive_failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close sends a close frame, closes the socket and waits for the read loop.
// It is safe to call more than once, and before Connect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)
		if c.conn == nil {
			close(c.done)
			return
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		close(c.done)
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("ws.closed")
				return
			}
			c.logger.Warn("ws.read_failed", zap.Error(err))
			if c.OnDisconnect != nil {
				c.OnDisconnect(err)
			}
			return
		}
		c.handler(message)
	}
}

// redact drops the query string, which may carry tokens.
func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}
