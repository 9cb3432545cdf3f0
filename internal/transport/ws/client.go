// Package ws is the WebSocket transport: a gorilla/websocket client that
// speaks the JSON envelope protocol and satisfies connection.Transport.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/protocol"
	"chatsync/pkg/config"
	"chatsync/pkg/constants"
	apperrors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
)

const (
	pongWait   = constants.WebSocketPingInterval
	pingPeriod = (pongWait * 9) / 10
)

// Client is a reconnectable WebSocket transport. Receive and Errors
// channels stay valid across Connect calls; each Connect replaces the
// underlying socket.
type Client struct {
	cfg config.ConnectionConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}
	closed   bool
	pumps    sync.WaitGroup

	// writeMu serializes frames and pings onto the socket
	writeMu sync.Mutex

	recvCh chan protocol.Envelope
	errCh  chan error
}

// NewClient creates a disconnected transport for the configured server
func NewClient(cfg config.ConnectionConfig) *Client {
	return &Client{
		cfg:    cfg,
		recvCh: make(chan protocol.Envelope, constants.SendBufferSize),
		errCh:  make(chan error, 1),
	}
}

// Connect dials the server, authenticating with the configured bearer
// token. A 401 or 403 handshake rejection is not retryable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeTransport, "transport closed")
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperrors.Wrap(apperrors.ErrCodeAuth, "authentication rejected", err)
		}
		return apperrors.Wrap(apperrors.ErrCodeTransport, "dial failed", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return apperrors.New(apperrors.ErrCodeTransport, "transport closed")
	}
	c.conn = conn
	done := make(chan struct{})
	c.connDone = done
	c.pumps.Add(2)
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingLoop(conn, done)
	return nil
}

// Send writes one envelope to the socket
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.New(apperrors.ErrCodeNotConnected, "not connected")
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(constants.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeTransport, "write failed", err)
	}
	return nil
}

// Receive exposes the inbound envelope stream. The channel survives
// reconnects and closes only when the transport is closed for good.
func (c *Client) Receive() <-chan protocol.Envelope {
	return c.recvCh
}

// Errors reports connection drops, one per failed socket
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// Close tears the transport down and closes both channels
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.pumps.Wait()
	close(c.recvCh)
	close(c.errCh)
	return nil
}

// readPump decodes inbound frames until the socket dies, then reports the
// drop unless the transport was closed deliberately
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.pumps.Done()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.reportDrop(conn, err)
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		c.recvCh <- env
	}
}

// pingLoop keeps the socket alive; the server drops silent connections.
// done closes when this socket is replaced or the transport shuts down,
// so Close never waits out a ping interval.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.pumps.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.current() != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) reportDrop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	} else {
		// A newer socket replaced this one; its drop is stale news
		closed = true
	}
	c.mu.Unlock()

	if closed {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		logger.Warn("socket dropped", zap.Error(err))
	}
	select {
	case c.errCh <- apperrors.Wrap(apperrors.ErrCodeTransport, "connection lost", err):
	default:
	}
}
