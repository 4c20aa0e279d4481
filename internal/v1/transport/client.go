// Package transport adapts WebSocket connections to the dispatcher. Each
// client runs one reader and one writer goroutine; all writes funnel
// through a buffered channel so handlers never block on a slow peer.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Router is the dispatcher-side contract the transport calls into.
type Router interface {
	HandleConnect(conn session.Conn)
	HandleFrame(conn session.Conn, data []byte)
	HandleDisconnect(conn session.Conn)
}

// Client is one WebSocket connection. It satisfies session.Conn.
type Client struct {
	ws     *websocket.Conn
	router Router

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	onExit func(*Client)
}

func newClient(ws *websocket.Conn, router Router, onExit func(*Client)) *Client {
	return &Client{
		ws:     ws,
		router: router,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		onExit: onExit,
	}
}

// Send queues an envelope for delivery. Frames are dropped when the
// connection is closing or the peer cannot keep up.
func (c *Client) Send(env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		logging.Error(context.Background(), "Envelope encode failed", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Send buffer full, dropping frame",
			zap.String("remote", c.ws.RemoteAddr().String()))
	}
}

// Close initiates shutdown with the given close code and reason. Safe to
// call more than once; only the first call's code wins.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Open reports whether the connection is still accepting frames.
func (c *Client) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// readPump delivers inbound frames to the router until the transport
// closes, then runs the disconnect path exactly once.
func (c *Client) readPump() {
	defer func() {
		c.router.HandleDisconnect(c)
		c.Close(protocol.CloseNormal, "")
		c.ws.Close()
		if c.onExit != nil {
			c.onExit(c)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(context.Background(), "WebSocket read failed", zap.Error(err))
			}
			return
		}
		c.router.HandleFrame(c, data)
	}
}

// writePump drains the send queue, keeps the connection alive with pings,
// and emits the close frame on shutdown.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(protocol.CloseNormal, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(protocol.CloseNormal, "")
				return
			}

		case <-c.done:
			// Flush anything already queued before the close frame.
			for {
				select {
				case data := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.ws.WriteMessage(websocket.TextMessage, data)
					continue
				default:
				}
				break
			}
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
