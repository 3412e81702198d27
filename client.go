package sockrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// A Client invokes methods on the server listening at a socket path. A
// Client is safe for concurrent use by multiple goroutines: a mutex
// serializes round trips, so at most one request is in flight at a time.
//
// Each round trip runs on its own connection (the server retires a
// connection after one exchange); the connection established by Dial serves
// the first call and later calls dial transparently.
type Client struct {
	path string
	log  func(string, ...any)

	mu     sync.Mutex // serializes round trips; guards the fields below
	conn   net.Conn   // connection reserved for the next call, if any
	closed bool
}

// Dial connects to the server socket at path.
func Dial(path string, opts *ClientOptions) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return &Client{path: path, log: opts.logFunc(), conn: conn}, nil
}

// Call invokes method with params and blocks until the response arrives.
// params may be any JSON-marshalable value, or nil to send none. The result
// is the raw JSON value the handler produced; ownership passes to the
// caller. If the server wrote nothing — unknown method, handler declined,
// or unparseable request — Call reports ErrNoResult. Transport failures
// (dialing, writing, reading) are reported as errors that wrap both
// ErrNoResult and the underlying cause. A deadline on ctx bounds the round
// trip.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := encodeRequest(method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	conn := c.conn
	c.conn = nil
	if conn == nil {
		conn, err = net.Dial("unix", c.path)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing %s: %w", ErrNoResult, c.path, err)
		}
	}
	defer conn.Close()

	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("%w: writing request: %w", ErrNoResult, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite() // half-close delimits the request for the server
	}
	c.log("Sent %q request (%d bytes)", method, len(data))

	buf := make([]byte, BufferSize-1)
	total := 0
	for total < len(buf) {
		n, rerr := conn.Read(buf[total:])
		total += n
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("%w: reading response: %w", ErrNoResult, rerr)
		}
	}
	if total == 0 {
		c.log("No response for %q", method)
		return nil, ErrNoResult
	}

	msg := buf[:total]
	if !json.Valid(msg) {
		c.log("Unparseable response for %q (%d bytes)", method, total)
		return nil, fmt.Errorf("%w: unparseable response", ErrNoResult)
	}
	c.log("Received %q response (%d bytes)", method, total)
	return json.RawMessage(msg), nil
}

// Close releases the client. Calls in flight are not cancelled; callers
// must quiesce them first. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
