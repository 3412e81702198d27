package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/apaluca/sockrpc"
	"github.com/apaluca/sockrpc/handler"
)

// request fabricates an inbound request the way the server would decode it.
func request(t *testing.T, method, params string) *sockrpc.Request {
	t.Helper()
	msg := `{"method":"` + method + `"`
	if params != "" {
		msg += `,"params":` + params
	}
	msg += `}`
	req, err := sockrpc.ParseRequest([]byte(msg))
	if err != nil {
		t.Fatalf("ParseRequest(%s): %v", msg, err)
	}
	return req
}

func TestCheckSignatures(t *testing.T) {
	tests := []struct {
		v  any
		ok bool
	}{
		{v: nil, ok: false},
		{v: "not a function", ok: false},
		{v: func() {}, ok: false},
		{v: func(int) error { return nil }, ok: false},
		{v: func(context.Context) {}, ok: false},
		{v: func(context.Context) error { return nil }, ok: true},
		{v: func(context.Context) (int, error) { return 0, nil }, ok: true},
		{v: func(context.Context, []int) error { return nil }, ok: true},
		{v: func(context.Context, []int) (int, error) { return 0, nil }, ok: true},
		{v: func(context.Context, *sockrpc.Request) (any, error) { return nil, nil }, ok: true},
		{v: func(context.Context, *sockrpc.Request) error { return nil }, ok: true},
		{v: func(context.Context, ...int) error { return nil }, ok: false},
		{v: func(context.Context) (int, int) { return 0, 0 }, ok: false},
		{v: func(context.Context) int { return 0 }, ok: false},
	}
	for _, test := range tests {
		_, err := handler.Check(test.v)
		if got := err == nil; got != test.ok {
			t.Errorf("Check(%T): err=%v, want ok=%v", test.v, err, test.ok)
		}
	}
}

func TestNewObjectParams(t *testing.T) {
	fn := handler.New(func(_ context.Context, arg struct {
		X int `json:"x"`
		Y int `json:"y"`
	}) (int, error) {
		return arg.X + arg.Y, nil
	})

	v, err := fn(context.Background(), request(t, "add", `{"x":2,"y":3}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := v.(int); got != 5 {
		t.Errorf("result: got %d, want 5", got)
	}
}

func TestNewPositionalParams(t *testing.T) {
	fn := handler.New(func(_ context.Context, arg struct {
		X int `json:"x"`
		Y int `json:"y"`
	}) (int, error) {
		return arg.X * arg.Y, nil
	})

	// A struct argument also accepts an array, mapped in field order.
	v, err := fn(context.Background(), request(t, "mul", `[4,5]`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := v.(int); got != 20 {
		t.Errorf("result: got %d, want 20", got)
	}

	// Wrong arity is an error.
	if _, err := fn(context.Background(), request(t, "mul", `[4,5,6]`)); err == nil {
		t.Error("3 positional params for 2 fields: got nil error")
	}
}

func TestNewSliceParams(t *testing.T) {
	fn := handler.New(func(_ context.Context, vs []int) ([]int, error) {
		out := make([]int, len(vs))
		for i, v := range vs {
			out[i] = -v
		}
		return out, nil
	})

	v, err := fn(context.Background(), request(t, "neg", `[1,2,3]`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if diff := cmp.Diff([]int{-1, -2, -3}, v.([]int)); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
}

func TestNewNoParams(t *testing.T) {
	fn := handler.New(func(context.Context) (string, error) { return "ok", nil })

	if v, err := fn(context.Background(), request(t, "ping", "")); err != nil {
		t.Errorf("handler without params: %v", err)
	} else if v.(string) != "ok" {
		t.Errorf("result: got %v, want ok", v)
	}

	// Sending params to a no-parameter function is rejected.
	if _, err := fn(context.Background(), request(t, "ping", `{"x":1}`)); err == nil {
		t.Error("params to no-parameter function: got nil error")
	}
}

func TestNewPointerParams(t *testing.T) {
	type arg struct {
		Name string `json:"name"`
	}
	fn := handler.New(func(_ context.Context, a *arg) (string, error) { return a.Name, nil })

	v, err := fn(context.Background(), request(t, "who", `{"name":"zuul"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if v.(string) != "zuul" {
		t.Errorf("result: got %v, want zuul", v)
	}
}

func TestNewErrorReporting(t *testing.T) {
	sentinel := errors.New("handler says no")
	fn := handler.New(func(context.Context) error { return sentinel })

	v, err := fn(context.Background(), request(t, "no", ""))
	if !errors.Is(err, sentinel) {
		t.Errorf("error: got %v, want %v", err, sentinel)
	}
	if v != nil {
		t.Errorf("result alongside error: got %v, want nil", v)
	}

	// An error-only function that succeeds produces no result.
	ok := handler.New(func(context.Context) error { return nil })
	if v, err := ok(context.Background(), request(t, "yes", "")); err != nil || v != nil {
		t.Errorf("error-only success: got (%v, %v), want (nil, nil)", v, err)
	}
}

func TestStrictFields(t *testing.T) {
	type arg struct {
		X int `json:"x"`
	}
	fi, err := handler.Check(func(_ context.Context, a arg) (int, error) { return a.X, nil })
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	strict := fi.SetStrict(true).Wrap()

	if _, err := strict(context.Background(), request(t, "s", `{"x":1,"bogus":2}`)); err == nil {
		t.Error("unknown field with strict checking: got nil error")
	}
	if v, err := strict(context.Background(), request(t, "s", `{"x":1}`)); err != nil {
		t.Errorf("known fields with strict checking: %v", err)
	} else if v.(int) != 1 {
		t.Errorf("result: got %v, want 1", v)
	}
}

func TestHandlerPassthrough(t *testing.T) {
	var called bool
	base := sockrpc.Handler(func(context.Context, *sockrpc.Request) (any, error) {
		called = true
		return nil, nil
	})
	fn := handler.New(base)
	fn(context.Background(), request(t, "x", ""))
	if !called {
		t.Error("wrapped Handler was not invoked directly")
	}
}

func TestMapNames(t *testing.T) {
	m := handler.Map{
		"b": func(context.Context, *sockrpc.Request) (any, error) { return nil, nil },
		"a": func(context.Context, *sockrpc.Request) (any, error) { return nil, nil },
	}
	if diff := cmp.Diff([]string{"a", "b"}, m.Names()); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}
}

func TestRequestAccessors(t *testing.T) {
	req := request(t, "probe", `{"k":"v"}`)
	if req.Method() != "probe" {
		t.Errorf("Method: got %q, want probe", req.Method())
	}
	if !req.HasParams() {
		t.Error("HasParams: got false, want true")
	}
	var got map[string]string
	if err := req.UnmarshalParams(&got); err != nil {
		t.Fatalf("UnmarshalParams: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"k": "v"}, got); diff != "" {
		t.Errorf("params (-want +got):\n%s", diff)
	}
	if raw := req.Params(); string(raw) != `{"k":"v"}` {
		t.Errorf("Params: got %s", raw)
	}

	none := request(t, "probe", "")
	if none.HasParams() || none.Params() != nil {
		t.Error("no-params request reports parameters")
	}
	if err := none.UnmarshalParams(&got); err == nil {
		t.Error("UnmarshalParams with no params: got nil error")
	}
}
