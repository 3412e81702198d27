package sockrpc

import (
	"fmt"
	"io"
	"log"
	"runtime"
)

const logFlags = log.LstdFlags | log.Lmicroseconds

// ServerOptions control the behaviour of a server created by New.
// A nil *ServerOptions provides sensible defaults.
type ServerOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// Number of worker goroutines servicing connections. A value less than
	// 1 uses DefaultWorkers.
	Workers int

	// Allows up to the specified number of concurrent handler invocations.
	// A value less than 1 uses runtime.NumCPU().
	Concurrency int
}

func (s *ServerOptions) logFunc() func(string, ...any) {
	if s == nil || s.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(s.LogWriter, "[sockrpc.Server] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (s *ServerOptions) numWorkers() int {
	if s == nil || s.Workers < 1 {
		return DefaultWorkers
	}
	return s.Workers
}

func (s *ServerOptions) concurrency() int64 {
	if s == nil || s.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(s.Concurrency)
}

// ClientOptions control the behaviour of a client created by Dial.
// A nil *ClientOptions provides sensible defaults.
type ClientOptions struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer
}

func (c *ClientOptions) logFunc() func(string, ...any) {
	if c == nil || c.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(c.LogWriter, "[sockrpc.Client] ", logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}
