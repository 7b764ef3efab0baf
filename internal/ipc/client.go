package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a thin dialer for spec.md §4.9's endpoint, used by vmmd's
// client subcommands to send one command and read its response.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner

	mu      sync.Mutex
	counter uint64
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing ipc socket %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one command with the given parameters and returns its
// response's Data field, or an error built from Response.Error.
//
// Call is not safe for concurrent use by multiple goroutines against the
// same Client, since it reads the very next line on the connection as the
// reply — callers needing concurrency should dial multiple Clients.
func (c *Client) Call(command string, params any, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshalling parameters: %w", err)
		}
		raw = encoded
	}

	req := Request{
		Command:    command,
		MessageID:  c.nextMessageID(),
		Parameters: raw,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	for c.scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
		// Broadcast events share the connection's read side in theory, but
		// this client only ever writes one request at a time and the
		// server answers each request before sending unrelated events, so
		// the first line back that carries our messageId is the reply.
		if resp.MessageID != req.MessageID {
			continue
		}
		if !resp.Success {
			return nil, fmt.Errorf("%s: %s", command, resp.Error)
		}
		return resp.Data, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return nil, fmt.Errorf("connection closed before response to %s", command)
}

func (c *Client) nextMessageID() string {
	n := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("cli-%d-%d", time.Now().UnixNano(), n)
}
