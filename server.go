package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// maxSocketPath is the longest usable AF_UNIX path: sun_path minus the
// terminating NUL.
const maxSocketPath = 107

// A Server listens on an AF_UNIX stream socket and dispatches requests to
// registered handlers. It runs one acceptor goroutine and a fixed pool of
// worker goroutines; each accepted connection is assigned to a worker in
// round-robin order and serviced by that worker alone.
type Server struct {
	path     string
	log      func(string, ...any)
	mux      *methodTable
	sem      *semaphore.Weighted // bounds concurrent handler execution
	workers  []*worker
	running  atomic.Bool

	lb struct {
		sync.Mutex
		next int
	}

	mu        sync.Mutex // guards lifecycle state below
	started   bool
	destroyed bool
	lfd       int

	acceptWG sync.WaitGroup
	workWG   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New allocates a server for the socket at path. It does not bind; call
// Start. New fails only if path is empty or exceeds the platform sun_path
// limit, or if a worker readiness set cannot be created.
func New(path string, opts *ServerOptions) (*Server, error) {
	if path == "" {
		return nil, errors.New("empty socket path")
	}
	if len(path) > maxSocketPath {
		return nil, fmt.Errorf("socket path exceeds %d bytes: %s", maxSocketPath, path)
	}
	s := &Server{
		path: path,
		log:  opts.logFunc(),
		mux:  newMethodTable(),
		sem:  semaphore.NewWeighted(opts.concurrency()),
		lfd:  -1,
	}
	for i := 0; i < opts.numWorkers(); i++ {
		w, err := newWorker(i, s)
		if err != nil {
			for _, prev := range s.workers {
				prev.close()
			}
			return nil, fmt.Errorf("creating worker %d: %w", i, err)
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

// Register installs fn as the handler for the named method, replacing any
// handler previously registered under the same name. It has no effect if s,
// name, or fn is nil/empty, or if the method table is full and name is not
// already present. Register is safe before or after Start, from any
// goroutine; a registration that completes before a request arrives is
// visible to the worker dispatching it.
func (s *Server) Register(name string, fn Handler) {
	if s == nil || name == "" || fn == nil {
		return
	}
	if !s.mux.register(name, fn) {
		s.log("Method table full; dropping %q", name)
		return
	}
	s.log("Registered method %q", name)
}

// Methods reports the registered method names in registration order.
func (s *Server) Methods() []string { return s.mux.names() }

// Start binds the socket, starts listening, and spawns the worker pool and
// acceptor. It returns immediately; requests are served until Stop. A stale
// socket file at the server's path is removed before binding. On error the
// server is left unstarted and Stop remains valid.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrServerStopped
	}
	if s.started {
		return errors.New("server is already running")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	_ = unix.Unlink(s.path) // stale socket from a previous run
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("binding %s: %w", s.path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		unix.Unlink(s.path)
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}

	s.lfd = fd
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)
	s.started = true
	serversActiveGauge.Add(1)

	for _, w := range s.workers {
		w := w
		s.workWG.Add(1)
		go func() { defer s.workWG.Done(); w.run() }()
	}
	s.acceptWG.Add(1)
	go func() { defer s.acceptWG.Done(); s.acceptLoop(fd) }()

	s.log("Listening on %s (%d workers)", s.path, len(s.workers))
	return nil
}

// acceptLoop accepts connections and hands each to the next worker in
// round-robin order. It exits when the running flag clears or the listening
// socket is shut down.
func (s *Server) acceptLoop(lfd int) {
	s.log("Acceptor started")
	pfds := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
	for s.running.Load() {
		pfds[0].Events = unix.POLLIN
		n, err := unix.Poll(pfds, waitInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.log("Acceptor: poll failed: %v", err)
			break
		}
		if n == 0 {
			continue // timeout tick; re-check running
		}

		cfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			break // listener shut down or broken
		}

		w := s.nextWorker()
		token := xid.New()
		if err := w.adopt(cfd, token); err != nil {
			s.log("Worker %d rejected connection %s: %v", w.id, token, err)
			unix.Close(cfd)
			continue
		}
		connsAssignedCount.Add(1)
		s.log("Connection %s assigned to worker %d (total: %d)", token, w.id, w.connCount())
	}
	s.log("Acceptor shutting down")
}

// nextWorker advances the round-robin cursor. No worker is skipped; there is
// no load feedback.
func (s *Server) nextWorker() *worker {
	s.lb.Lock()
	defer s.lb.Unlock()
	w := s.workers[s.lb.next]
	s.lb.next = (s.lb.next + 1) % len(s.workers)
	return w
}

// invoke runs fn outside the registry lock, bounded by the concurrency
// semaphore, and marshals its result. A nil result slice with a nil error
// means the handler produced no response.
func (s *Server) invoke(fn Handler, req *Request) ([]byte, error) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	v, err := fn(s.ctx, req)
	if err != nil {
		s.log("Handler for %q reported an error: %v", req.method, err)
		rpcErrorsCount.Add(1)
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	bits, err := json.Marshal(v)
	if err != nil {
		s.log("Marshaling result for %q: %v", req.method, err)
		rpcErrorsCount.Add(1)
		return nil, err
	}
	return bits, nil
}

// WorkerConnections reports the number of connections currently assigned to
// each worker, indexed by worker id. The counts are observability only.
func (s *Server) WorkerConnections() []int {
	out := make([]int, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.connCount()
	}
	return out
}

// Stop shuts the server down: no further connections are accepted, all
// workers are joined, open connections are closed, the socket file is
// removed, and the method table is drained. It is safe to call Stop more
// than once, and on a server that never started.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.started {
		s.running.Store(false)
		s.cancel()
		unix.Shutdown(s.lfd, unix.SHUT_RDWR) // unblock the acceptor
		s.acceptWG.Wait()
		s.workWG.Wait()
		unix.Close(s.lfd)
		s.lfd = -1
		unix.Unlink(s.path)
		serversActiveGauge.Add(-1)
		s.started = false
		s.log("Server stopped")
	}
	for _, w := range s.workers {
		w.close()
	}
	s.mux.drain()
	s.destroyed = true
}
