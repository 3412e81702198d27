package sockrpc

import (
	"context"
	"encoding/json"

	"github.com/rs/xid"
)

// A Callback receives the outcome of an asynchronous call: the raw result
// on success, or the error Call would have reported (ErrNoResult included).
// Ownership of the result passes to the callback.
type Callback func(result json.RawMessage, err error)

// asyncTask carries one fire-and-forget call: the client it borrows, the
// method and params it owns, and the optional callback. The token is for
// log correlation only.
type asyncTask struct {
	client *Client
	method string
	params any
	cb     Callback
	token  xid.ID
}

// CallAsync starts the call on a new goroutine and returns immediately. The
// underlying synchronous call serializes on the client's mutex with every
// other call against the same client. If cb is nil the result is discarded.
// The callback may run on any goroutine and must be safe for reentrant use.
//
// Destroying the client while tasks are in flight is not supported; quiesce
// callbacks before Close.
func (c *Client) CallAsync(ctx context.Context, method string, params any, cb Callback) {
	t := &asyncTask{client: c, method: method, params: params, cb: cb, token: xid.New()}
	asyncTasksStarted.Add(1)
	c.log("Async task %s: %q", t.token, method)
	go t.run(ctx)
}

func (t *asyncTask) run(ctx context.Context) {
	result, err := t.client.Call(ctx, t.method, t.params)
	if t.cb != nil {
		t.cb(result, err)
	}
	t.client.log("Async task %s done (err=%v)", t.token, err)
}
