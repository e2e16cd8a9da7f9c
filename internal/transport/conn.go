// Package transport provides the record-oriented connection abstraction the
// presence core speaks through, plus the TCP/TLS acceptor and the WebSocket
// upgrader that produce such connections.
package transport

import "context"

// Conn is one client connection delivering discrete protocol records.
// A record is one JSON document: a CRLF-terminated line on a socket, or a
// single message on a websocket. Implementations must make WriteRecord safe
// for concurrent use; ReadRecord is called from a single goroutine.
type Conn interface {
	// ReadRecord returns the next inbound record without its framing.
	ReadRecord() ([]byte, error)
	// WriteRecord sends one outbound record, adding transport framing.
	WriteRecord(record []byte) error
	// Close closes the connection. Safe to call more than once.
	Close() error
	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Handler processes a connected client. Implementations own the read loop
// and must return when the connection is finished.
type Handler interface {
	HandleConn(ctx context.Context, conn Conn)
}
