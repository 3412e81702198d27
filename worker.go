package sockrpc

import (
	"io"
	"sync"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// maxEvents bounds how many readiness events a worker drains per wait.
const maxEvents = 10

// A worker owns an epoll readiness set of assigned connections and services
// them one request at a time. Connections are registered by the acceptor and
// retired by the worker; the mutex covers that handoff.
type worker struct {
	id  int
	srv *Server

	mu    sync.Mutex
	epfd  int
	conns map[int32]*conn
	nconn int
}

// A conn accumulates one request on an assigned descriptor. The buffer caps
// at BufferSize-1 bytes; anything longer is truncated.
type conn struct {
	fd    int
	token xid.ID
	buf   []byte
}

func newWorker(id int, srv *Server) (*worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &worker{id: id, srv: srv, epfd: epfd, conns: make(map[int32]*conn)}, nil
}

// adopt registers a newly accepted descriptor with the worker's readiness
// set. Called from the acceptor.
func (w *worker) adopt(fd int, token xid.ID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.epfd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	w.conns[int32(fd)] = &conn{fd: fd, token: token, buf: make([]byte, 0, BufferSize-1)}
	w.nconn++
	return nil
}

func (w *worker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nconn
}

// run is the worker loop: wait on the readiness set with a bounded timeout
// so shutdown is observed promptly, then service whatever is ready.
func (w *worker) run() {
	w.srv.log("Worker %d started", w.id)
	events := make([]unix.EpollEvent, maxEvents)
	for w.srv.running.Load() {
		n, err := unix.EpollWait(w.epfd, events, waitInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			w.srv.log("Worker %d: wait failed: %v", w.id, err)
			break
		}
		for i := 0; i < n; i++ {
			w.service(events[i].Fd)
		}
	}
	w.srv.log("Worker %d shutting down (connections: %d)", w.id, w.connCount())
	w.closeAll()
}

// service advances one connection: drain available bytes, and once the
// request is complete (peer half-closed, or the buffer filled) dispatch it
// and retire the connection. A readable event with an incomplete request
// just leaves the connection waiting for more data.
func (w *worker) service(fd int32) {
	w.mu.Lock()
	cn := w.conns[fd]
	w.mu.Unlock()
	if cn == nil {
		return // already retired
	}

	eof, err := cn.fill()
	switch {
	case err != nil:
		w.srv.log("Connection %s: read failed: %v", cn.token, err)
		w.retire(cn)
		return
	case eof && len(cn.buf) == 0:
		w.retire(cn) // peer went away without sending anything
		return
	case !eof && len(cn.buf) < cap(cn.buf):
		return // request incomplete
	}

	bytesReadCount.Add(int64(len(cn.buf)))
	w.handle(cn)
	// A full buffer may leave request bytes unread; consume them so the close
	// reaches the peer as EOF rather than as a connection reset.
	for scratch := make([]byte, 512); !eof; {
		n, rerr := unix.Read(cn.fd, scratch)
		switch {
		case n > 0 || rerr == unix.EINTR:
		case rerr == unix.EAGAIN:
			pfds := []unix.PollFd{{Fd: int32(cn.fd), Events: unix.POLLIN}}
			if k, _ := unix.Poll(pfds, waitInterval); k <= 0 {
				eof = true
			}
		default:
			eof = true // peer half-closed, or a hard error
		}
	}
	w.retire(cn)
}

// fill drains currently available bytes into the request buffer. It reports
// whether the peer has half-closed, and any hard read error.
func (cn *conn) fill() (eof bool, err error) {
	for len(cn.buf) < cap(cn.buf) {
		n, rerr := unix.Read(cn.fd, cn.buf[len(cn.buf):cap(cn.buf)])
		if n > 0 {
			cn.buf = cn.buf[:len(cn.buf)+n]
			continue
		}
		if rerr == nil {
			return true, nil // EOF
		}
		switch rerr {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false, nil
		default:
			return false, rerr
		}
	}
	return false, nil
}

// handle parses the accumulated request, dispatches it, and writes back the
// result if the handler produced one. Unparseable requests and unknown
// methods are dropped; the retire that follows tells the client.
func (w *worker) handle(cn *conn) {
	rpcRequestsCount.Add(1)
	req, err := decodeRequest(cn.buf)
	if err != nil {
		w.srv.log("Connection %s: dropping unparseable request: %v", cn.token, err)
		rpcErrorsCount.Add(1)
		return
	}
	fn := w.srv.mux.lookup(req.method)
	if fn == nil {
		w.srv.log("Connection %s: no handler for %q", cn.token, req.method)
		return
	}
	result, err := w.srv.invoke(fn, req)
	if err != nil || result == nil {
		return
	}
	if err := writeAll(cn.fd, result); err != nil {
		w.srv.log("Connection %s: write failed: %v", cn.token, err)
		rpcErrorsCount.Add(1)
		return
	}
	bytesWrittenCount.Add(int64(len(result)))
}

// retire unregisters and closes a connection. Exactly one exchange runs per
// connection; the close delimits the response for the peer.
func (w *worker) retire(cn *conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.conns[int32(cn.fd)]; !ok {
		return
	}
	delete(w.conns, int32(cn.fd))
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, cn.fd, nil)
	unix.Close(cn.fd)
	w.nconn--
}

// closeAll retires every connection still assigned. Runs at worker exit.
func (w *worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for fd, cn := range w.conns {
		unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, cn.fd, nil)
		unix.Close(cn.fd)
		delete(w.conns, fd)
		w.nconn--
	}
}

// close releases the worker's readiness set. Safe only after run has
// returned, or on a worker that never ran.
func (w *worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.epfd >= 0 {
		unix.Close(w.epfd)
		w.epfd = -1
	}
}

// writeAll writes all of data to fd, polling for writability on EAGAIN and
// retrying on EINTR.
func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
			continue
		}
		switch err {
		case unix.EINTR:
		case unix.EAGAIN:
			pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfds, waitInterval); perr != nil && perr != unix.EINTR {
				return perr
			}
		case nil:
			return io.ErrShortWrite
		default:
			return err
		}
	}
	return nil
}
