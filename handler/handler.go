// Package handler provides support for adapting ordinary Go functions to the
// sockrpc.Handler signature, and for registering groups of them at once.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/apaluca/sockrpc"
)

// Func is a convenience alias for sockrpc.Handler.
type Func = sockrpc.Handler

// A Map associates method names with handlers so a whole service can be
// registered in one step.
type Map map[string]sockrpc.Handler

// Register registers every entry of m with s.
func (m Map) Register(s *sockrpc.Server) {
	for name, fn := range m {
		s.Register(name, fn)
	}
}

// Names reports the method names in m in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New adapts a function to a sockrpc.Handler. The concrete value of fn must
// be a function accepted by Check. The resulting handler decodes the request
// parameters, calls fn, and returns its result for encoding.
//
// New is intended for use during program initialization, and panics if the
// type of fn does not have one of the accepted forms. Programs that need to
// check for errors should call Check directly and use the Wrap method of the
// resulting FuncInfo.
func New(fn any) sockrpc.Handler {
	fi, err := Check(fn)
	if err != nil {
		panic(err)
	}
	return fi.Wrap()
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
	reqType = reflect.TypeOf((*sockrpc.Request)(nil))
)

// FuncInfo captures type signature information from a valid handler function.
type FuncInfo struct {
	Type         reflect.Type // the complete function type
	Argument     reflect.Type // the non-context argument type, or nil
	Result       reflect.Type // the non-error result type, or nil
	ReportsError bool         // true if the function reports an error

	strictFields bool     // enforce strict field checking
	posNames     []string // positional field names of a struct argument

	fn any // the original function value
}

// SetStrict sets the flag on fi that determines whether the wrapper it
// generates enforces strict field checking: if set, decoding an object into
// a struct argument fails when the object contains unknown fields. The check
// applies to every struct decoded, including structs nested in slices, arrays
// or maps; it has no effect for arguments whose type contains no struct.
// SetStrict returns fi.
func (fi *FuncInfo) SetStrict(strict bool) *FuncInfo { fi.strictFields = strict; return fi }

// Check checks whether fn can serve as a sockrpc.Handler. The concrete value
// of fn must be a function with one of the following signature schemes, for
// JSON-marshalable types X and Y:
//
//	func(context.Context) error
//	func(context.Context) (Y, error)
//	func(context.Context, X) error
//	func(context.Context, X) (Y, error)
//	func(context.Context, *sockrpc.Request) error
//	func(context.Context, *sockrpc.Request) (Y, error)
//
// If fn does not have one of these forms, Check reports an error.
//
// If the type of X is a struct or a pointer to a struct, the generated
// wrapper accepts parameters as either an object or an array. Array
// parameters are mapped to the fields of X in declaration order. If X has an
// unexported field, a field tagged `json:"-"`, or an untagged embedded field,
// array parameters are not translated and only objects decode into X.
func Check(fn any) (*FuncInfo, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}

	info := &FuncInfo{Type: reflect.TypeOf(fn), fn: fn}
	if info.Type.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}

	if np := info.Type.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("wrong number of parameters")
	} else if info.Type.In(0) != ctxType {
		return nil, errors.New("first parameter is not context.Context")
	} else if info.Type.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	} else if np == 2 {
		info.Argument = info.Type.In(1)
	}

	if ok, names := structFieldNames(info.Argument); ok {
		info.posNames = names
	}

	no := info.Type.NumOut()
	if no < 1 || no > 2 {
		return nil, errors.New("wrong number of results")
	} else if info.Type.Out(no-1) != errType {
		return nil, errors.New("last result is not of type error")
	}
	info.ReportsError = true
	if no == 2 {
		info.Result = info.Type.Out(0)
	}
	return info, nil
}

// Wrap adapts the function represented by fi to a sockrpc.Handler. A handler
// error means no response is written; the caller observes "no result".
//
// Wrap panics if fi == nil or does not represent a valid function type. A
// FuncInfo returned by a successful Check is always valid.
func (fi *FuncInfo) Wrap() sockrpc.Handler {
	if fi == nil || fi.fn == nil {
		panic("handler: invalid FuncInfo value")
	}

	// If fn already has the Handler signature, no reflection is needed.
	if f, ok := fi.fn.(sockrpc.Handler); ok {
		return f
	}
	if f, ok := fi.fn.(func(context.Context, *sockrpc.Request) (any, error)); ok {
		return f
	}

	wrapArg := fi.argWrapper()

	// Pre-compile the unpacking of request parameters, so the constructed
	// wrapper does only as much reflection per call as the signature needs.
	var newInput func(ctx reflect.Value, req *sockrpc.Request) ([]reflect.Value, error)

	arg := fi.Argument
	if arg == nil {
		// The function takes no request parameters; reject any sent.
		newInput = func(ctx reflect.Value, req *sockrpc.Request) ([]reflect.Value, error) {
			if req.HasParams() {
				return nil, errors.New("no parameters accepted")
			}
			return []reflect.Value{ctx}, nil
		}
	} else if arg == reqType {
		// The function wants the underlying *sockrpc.Request.
		newInput = func(ctx reflect.Value, req *sockrpc.Request) ([]reflect.Value, error) {
			return []reflect.Value{ctx, reflect.ValueOf(req)}, nil
		}
	} else if arg.Kind() == reflect.Ptr {
		// The function wants a pointer to its argument value.
		newInput = func(ctx reflect.Value, req *sockrpc.Request) ([]reflect.Value, error) {
			in := reflect.New(arg.Elem())
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
			return []reflect.Value{ctx, in}, nil
		}
	} else {
		// The function wants a bare argument value.
		newInput = func(ctx reflect.Value, req *sockrpc.Request) ([]reflect.Value, error) {
			in := reflect.New(arg) // a pointer is still needed to unmarshal
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
			return []reflect.Value{ctx, in.Elem()}, nil
		}
	}

	// Pre-compile decoding of the results.
	var decodeOut func([]reflect.Value) (any, error)

	if fi.Result == nil {
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[0].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return nil, nil
		}
	} else {
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[1].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return vals[0].Interface(), nil
		}
	}

	call := reflect.ValueOf(fi.fn).Call
	return func(ctx context.Context, req *sockrpc.Request) (any, error) {
		args, ierr := newInput(reflect.ValueOf(ctx), req)
		if ierr != nil {
			return nil, ierr
		}
		return decodeOut(call(args))
	}
}

// arrayStub wraps an arbitrary value and translates JSON arrays into the
// equivalent object keyed by positional field names.
type arrayStub struct {
	v        any
	posNames []string
}

func (s *arrayStub) translate(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != '[' {
		return data, nil // not an array
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, err
	} else if len(arr) != len(s.posNames) {
		return nil, fmt.Errorf("got %d parameters, want %d", len(arr), len(s.posNames))
	}
	obj := make(map[string]json.RawMessage, len(s.posNames))
	for i, name := range s.posNames {
		obj[name] = arr[i]
	}
	return json.Marshal(obj)
}

func (s *arrayStub) UnmarshalJSON(data []byte) error {
	actual, err := s.translate(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(actual, s.v)
}

// strictStub wraps an arbitrary value and enforces strict field checking
// when unmarshaling from JSON.
type strictStub struct{ v any }

func (s *strictStub) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(s.v)
}

func (fi *FuncInfo) argWrapper() func(reflect.Value) any {
	strict := fi.strictFields && fi.Argument != nil
	names := fi.posNames // capture so the wrapper does not pin fi
	array := len(names) != 0
	switch {
	case strict && array:
		return func(v reflect.Value) any {
			return &arrayStub{v: &strictStub{v: v.Interface()}, posNames: names}
		}
	case strict:
		return func(v reflect.Value) any {
			return &strictStub{v: v.Interface()}
		}
	case array:
		return func(v reflect.Value) any {
			return &arrayStub{v: v.Interface(), posNames: names}
		}
	default:
		return reflect.Value.Interface
	}
}

// structFieldNames reports whether atype is a struct or pointer-to-struct
// type, and if so returns the JSON names of its fields in declaration order.
// If any field is unexported, tagged `json:"-"`, or embedded without a tag,
// it returns nil names, which disables positional translation.
func structFieldNames(atype reflect.Type) (bool, []string) {
	if atype == nil {
		return false, nil
	}
	if atype.Kind() == reflect.Ptr {
		atype = atype.Elem()
	}
	if atype.Kind() != reflect.Struct {
		return false, nil
	}

	var names []string
	for i := 0; i < atype.NumField(); i++ {
		fi := atype.Field(i)
		if !fi.IsExported() {
			return true, nil
		}
		tag, ok := fi.Tag.Lookup("json")
		if !ok && fi.Anonymous {
			return true, nil
		}
		name := fi.Name
		if ok {
			if comma := strings.IndexByte(tag, ','); comma >= 0 {
				tag = tag[:comma]
			}
			if tag == "-" {
				return true, nil
			}
			if tag != "" {
				name = tag
			}
		}
		names = append(names, name)
	}
	return true, names
}
