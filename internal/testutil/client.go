package testutil

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// WireMessage is one decoded protocol record as seen on the wire.
type WireMessage struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// Client is a line-protocol test client for integration testing against a
// running presence listener.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected Client or fails the test.
func NewClient(t *testing.T, addr string) *Client {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	client := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}

	t.Logf("test client connected to %s [%s]", addr, time.Since(start))
	return client
}

// Send writes one {method, data} record followed by CRLF.
//
// Postcondition: The encoded record is written to the connection.
func (c *Client) Send(method string, data any) {
	c.t.Helper()

	msg := map[string]any{"method": method}
	if data != nil {
		msg["data"] = data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("encoding %s record: %v", method, err)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(append(payload, '\r', '\n')); err != nil {
		c.t.Fatalf("sending %s record: %v", method, err)
	}
}

// SendRaw writes arbitrary bytes followed by CRLF, for malformed-input tests.
func (c *Client) SendRaw(payload string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(payload + "\r\n")); err != nil {
		c.t.Fatalf("sending raw payload: %v", err)
	}
}

// ReadMessage reads and decodes the next record, failing on timeout.
//
// Postcondition: Returns the next decoded record or fails the test.
func (c *Client) ReadMessage(timeout time.Duration) WireMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("reading record: %v", err)
	}

	var msg WireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("decoding record %q: %v", line, err)
	}
	return msg
}

// ReadUntilMethod reads records until one with the given method arrives,
// discarding everything else.
//
// Postcondition: Returns the first matching record or fails on timeout.
func (c *Client) ReadUntilMethod(method string, timeout time.Duration) WireMessage {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %s record arrived within %s", method, timeout)
		}
		msg := c.ReadMessage(remaining)
		if msg.Method == method {
			return msg
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
