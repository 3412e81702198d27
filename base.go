// Package sockrpc implements a lightweight RPC runtime for processes on a
// single host. A Server exposes named methods backed by user-supplied
// handlers; clients invoke those methods with JSON arguments over an AF_UNIX
// stream socket. The wire payload is plain UTF-8 JSON with no framing: a
// request is a single object {"method": ..., "params": ...}, a response is a
// single JSON value of whatever shape the handler chose, delimited by the
// server closing the connection. Each connection carries exactly one
// request/response exchange.
package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Default sizing constants.
const (
	// MaxMethods is the capacity of a server's method table. Registrations
	// beyond this limit are silently ignored.
	MaxMethods = 100

	// BufferSize bounds a single request or response message. The server
	// reads at most BufferSize-1 bytes of a request; anything longer is
	// truncated and will fail to parse.
	BufferSize = 4096

	// DefaultWorkers is the number of worker goroutines a server runs when
	// ServerOptions does not say otherwise.
	DefaultWorkers = 4
)

// waitInterval bounds every readiness wait so the loops observe shutdown.
const waitInterval = 100 // milliseconds

var (
	// ErrNoResult is reported by Call when the server wrote no response:
	// the method was missing, the handler declined to answer, or the
	// request could not be parsed. Call also wraps it into transport
	// failures. It is distinct from a JSON null result, which is a present
	// value.
	ErrNoResult = errors.New("no result")

	// ErrServerStopped is reported for operations on a stopped server.
	ErrServerStopped = errors.New("server is stopped")

	// ErrClientClosed is reported for calls on a closed client.
	ErrClientClosed = errors.New("client is closed")
)

// A Request carries the method name and raw parameters of a single inbound
// call.
type Request struct {
	method string
	params json.RawMessage
}

// Method reports the method name for the request.
func (r *Request) Method() string { return r.method }

// HasParams reports whether the request carries a params value.
func (r *Request) HasParams() bool { return len(r.params) != 0 }

// Params returns a copy of the raw parameter value, or nil if none was sent.
func (r *Request) Params() json.RawMessage {
	if len(r.params) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(r.params))
	copy(out, r.params)
	return out
}

// UnmarshalParams decodes the request parameters into v. It reports an error
// if the request has no parameters.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.params) == 0 {
		return errors.New("request has no parameters")
	}
	return json.Unmarshal(r.params, v)
}

// A Handler processes one request. The value it returns is marshaled to JSON
// and written back to the caller. Returning a nil value or a non-nil error
// produces no response; the client observes ErrNoResult. To return the JSON
// null value, return json.RawMessage("null").
//
// Handlers may be invoked concurrently on distinct workers and must be safe
// for concurrent use. The context is the server's run context; it ends when
// the server stops.
type Handler func(ctx context.Context, req *Request) (any, error)

// wireRequest is the transmission format of a request.
type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// encodeRequest assembles the wire form of a call. A nil params value omits
// the params member entirely.
func encodeRequest(method string, params any) ([]byte, error) {
	req := wireRequest{Method: method}
	if params != nil {
		bits, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = bits
	}
	return json.Marshal(req)
}

// ParseRequest parses a wire-format request message, as the server does for
// inbound traffic. It reports an error for anything that is not a JSON
// object with a non-empty string method. This is useful for testing handlers
// without a live server.
func ParseRequest(data []byte) (*Request, error) { return decodeRequest(data) }

// decodeRequest parses a request message. It reports an error for anything
// that is not a JSON object with a non-empty string method.
func decodeRequest(data []byte) (*Request, error) {
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, errors.New("request has no method")
	}
	return &Request{method: req.Method, params: req.Params}, nil
}
