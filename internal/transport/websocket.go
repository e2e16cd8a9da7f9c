package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConn adapts a websocket connection into a record-oriented Conn.
// One websocket message carries one protocol record.
type WSConn struct {
	ws *websocket.Conn
	mu sync.Mutex

	writeTimeout time.Duration
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

// ReadRecord returns the payload of the next text or binary message.
func (c *WSConn) ReadRecord() ([]byte, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// WriteRecord sends one record as a single text message.
func (c *WSConn) WriteRecord(record []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, record)
}

// Close closes the underlying websocket connection.
func (c *WSConn) Close() error {
	return c.ws.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// WSUpgrader is an http.Handler that upgrades requests to websocket
// connections and dispatches them to a Handler, letting browser clients
// speak the same protocol as socket clients.
type WSUpgrader struct {
	handler      Handler
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewWSUpgrader creates a websocket upgrade handler.
//
// Precondition: handler and logger must be non-nil.
func NewWSUpgrader(handler Handler, writeTimeout time.Duration, logger *zap.Logger) *WSUpgrader {
	return &WSUpgrader{
		handler:      handler,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The legacy socket protocol has no origin notion; accept all.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection handler until the
// client disconnects.
func (u *WSUpgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Error("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	start := time.Now()
	u.logger.Info("websocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
	)

	conn := NewWSConn(ws, u.writeTimeout)
	defer conn.Close()

	u.handler.HandleConn(r.Context(), conn)

	u.logger.Info("websocket client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Duration("duration", time.Since(start)),
	)
}
