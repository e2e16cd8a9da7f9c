package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/janusvr/presence/internal/config"
)

// TCPConn adapts a stream socket into a record-oriented Conn. Inbound records
// are newline-delimited; outbound records are framed with CRLF.
type TCPConn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTCPConn wraps a raw stream connection.
//
// Precondition: raw must be a valid, open network connection.
func NewTCPConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *TCPConn {
	return &TCPConn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadRecord reads the next newline-delimited record, trimming the
// terminator. A blank line yields an empty record; the protocol layer
// rejects it as unparseable, which is what legacy clients expect.
func (c *TCPConn) ReadRecord() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// WriteRecord sends one record followed by CRLF.
func (c *TCPConn) WriteRecord(record []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(record)+2)
	buf = append(buf, record...)
	buf = append(buf, '\r', '\n')
	_, err := c.raw.Write(buf)
	return err
}

// Close closes the underlying socket.
func (c *TCPConn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *TCPConn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Acceptor listens for socket connections, optionally on a second TLS port,
// and dispatches each connection to a Handler.
type Acceptor struct {
	cfg     config.ServerConfig
	session config.SessionConfig
	handler Handler
	logger  *zap.Logger

	listeners []net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewAcceptor creates a socket acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; handler and logger must be non-nil.
func NewAcceptor(cfg config.ServerConfig, session config.SessionConfig, handler Handler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		session: session,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe starts the plain listener (and the TLS listener when
// enabled) and accepts connections until Stop is called. Blocks until the
// acceptor is stopped.
//
// Postcondition: All listeners are closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	plain, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	listeners := []net.Listener{plain}
	if a.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			plain.Close()
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		tlsListener, err := tls.Listen("tcp", a.cfg.TLSAddr(), &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			plain.Close()
			return fmt.Errorf("listening on %s (tls): %w", a.cfg.TLSAddr(), err)
		}
		listeners = append(listeners, tlsListener)
	}

	a.mu.Lock()
	a.listeners = listeners
	a.running = true
	a.mu.Unlock()

	for _, l := range listeners {
		a.logger.Info("socket acceptor listening",
			zap.String("addr", l.Addr().String()),
			zap.Duration("startup", time.Since(start)),
		)
		a.wg.Add(1)
		go a.acceptLoop(l)
	}

	<-a.quit
	return nil
}

func (a *Acceptor) acceptLoop(l net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
	)

	conn := NewTCPConn(raw, a.session.ReadTimeout, a.session.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			// Unblock the session read loop on shutdown.
			conn.Close()
			cancel()
		case <-ctx.Done():
		}
	}()

	a.handler.HandleConn(ctx, conn)

	a.logger.Info("client disconnected",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop gracefully stops the acceptor, closing all listeners and waiting for
// active connections to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	for _, l := range a.listeners {
		l.Close()
	}
	a.wg.Wait()

	a.logger.Info("socket acceptor stopped")
}

// Addr returns the plain listener's address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.listeners) > 0 {
		return a.listeners[0].Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
