// Package errors provides a standard error definition for use across
// the task-graph runtime. Each error is assigned a class of error
// (kind) and an operation with optional arguments. Errors may be
// chained, and thus can be used to annotate upstream errors.
//
// Errors may be serialized to- and deserialized from JSON, and thus
// shipped over a simulated rank boundary (see package world).
//
// Package errors provides functions Errorf and New as convenience
// constructors, so that users need import only one error package.
//
// The API was inspired by package upspin.io/errors.
package errors

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"runtime"

	"github.com/grailbio/base/digest"
	"github.com/flowgraph/ttg/log"
)

// Separator is inserted between chained errors while rendering.
// The default value (":\n\t") is inteded for interactive tools. A
// server can set this to a different value to be more log friendly.
var Separator = ":\n\t"

// Kind denotes the type of the error. The error's kind is used to
// render the error message and also for interpretation.
type Kind int

const (
	// Other denotes an unknown error.
	Other Kind = iota
	// Canceled denotes a cancellation error.
	Canceled
	// Temporary denotes a transient error (e.g. a simulated network hiccup
	// in world.Channel).
	Temporary
	// GraphConstruction denotes a graph-assembly error: an unbalanced
	// edge, an incompatible terminal pair passed to connect, fusing a
	// pull edge with a push edge, or a name/arity mismatch at TT
	// construction.
	GraphConstruction
	// ArgumentProtocol denotes a violation of the argument-assembly
	// protocol: set_arg/set_size/finalize on a finalized stream,
	// re-bounding a bounded stream, or a stream overrun.
	ArgumentProtocol
	// CallbackUninitialized denotes send/move/set_size/finalize invoked
	// on a terminal that has no installed callback.
	CallbackUninitialized
	// PullProtocol denotes a pull-edge error: a pull terminal invoked
	// without a mapper, or a container lookup miss.
	PullProtocol
	// ValueTypeMismatch denotes set_arg called with a value whose type
	// does not match the declared input.
	ValueTypeMismatch
	// Executability denotes task injection attempted on a TT that has
	// not yet been made executable.
	Executability
	// TeardownLeak denotes a TT destroyed with a non-empty pending-record
	// cache; always fatal.
	TeardownLeak

	maxKind
)

// String renders a human-readable description of kind k.
func (k Kind) String() string {
	switch k {
	default:
		return "unknown error"
	case Canceled:
		return "canceled"
	case Temporary:
		return "temporary"
	case GraphConstruction:
		return "graph construction error"
	case ArgumentProtocol:
		return "argument protocol error"
	case CallbackUninitialized:
		return "uninitialized callback"
	case PullProtocol:
		return "pull protocol error"
	case ValueTypeMismatch:
		return "value type mismatch"
	case Executability:
		return "task injected on non-executable graph"
	case TeardownLeak:
		return "task template destroyed with a non-empty cache"
	}
}

var kind2string = [maxKind]string{
	Other:                  "Other",
	Canceled:               "Canceled",
	Temporary:              "Temporary",
	GraphConstruction:      "GraphConstruction",
	ArgumentProtocol:       "ArgumentProtocol",
	CallbackUninitialized:  "CallbackUninitialized",
	PullProtocol:           "PullProtocol",
	ValueTypeMismatch:      "ValueTypeMismatch",
	Executability:          "Executability",
	TeardownLeak:           "TeardownLeak",
}

var string2kind = map[string]Kind{
	"Other":                 Other,
	"Canceled":              Canceled,
	"Temporary":             Temporary,
	"GraphConstruction":     GraphConstruction,
	"ArgumentProtocol":      ArgumentProtocol,
	"CallbackUninitialized": CallbackUninitialized,
	"PullProtocol":          PullProtocol,
	"ValueTypeMismatch":     ValueTypeMismatch,
	"Executability":         Executability,
	"TeardownLeak":          TeardownLeak,
}

// Error defines a Reflow error. It is used to indicate an error
// associated with an operation (and arguments), and may wrap another
// error.
//
// Errors should be constructed by errors.E.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Op is a one-word description of the operation that errored.
	Op string
	// Arg is an (optional) list of arguments to the operation.
	Arg []string
	// Err is this error's underlying error: this error is caused
	// by Err.
	Err error
}

// E is used to construct errors. E constructs errors from a set of
// arguments; each of which must be one of the following types:
//
//	string
//		The first string argument is taken as the error's Op; subsequent
//		arguments are taken as the error's Arg.
//	digest.Digest
//		Taken as an Arg.
//	Kind
//		Taken as the error's Kind.
//	error
//		Taken as the error's underlying error.
//
// If a Kind is provided, there is no further processing. If not, and
// an underlying error is provided, E attempts to interpret it as
// follows: (1) If the underlying  error is another *Error, and there
// is no Kind argument, the Kind is inherited from the *Error. (2) If
// the underlying error has method Temporary() bool, it is invoked, and
// if it returns true, the error's kind is set to Temporary. (3) If
// the underyling error is context.Canceled, the error's kind is set
// to Canceled.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if e.Op == "" {
				e.Op = arg
			} else {
				e.Arg = append(e.Arg, arg)
			}
		case digest.Digest:
			e.Arg = append(e.Arg, arg.String())
		case Kind:
			e.Kind = arg
		case *Error:
			copy := *arg
			e.Err = &copy
		case error:
			e.Err = arg
		// or: alloc, exec independently.
		// and, URI for other things?
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind {
			e.Kind = prev.Kind
			prev.Kind = Other
		} else if e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Op == "" && prev.Kind == Other {
			e.Err = prev.Err
		}
	default:
		if e.Kind != Other {
			break
		}
		switch err := e.Err.(type) {
		case interface {
			Temporary() bool
		}:
			if err.Temporary() {
				e.Kind = Temporary
			}
		default:
			if err == context.Canceled {
				e.Kind = Canceled
			}
		}
	}
	return e
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

// Error renders this error and its chain of underlying errors,
// separated by Separator.
func (e *Error) Error() string {
	return e.ErrorSeparator(Separator)
}

// ErrorSeparator renders this errors and its chain of underlying
// errors, separated by sep.
func (e *Error) ErrorSeparator(sep string) string {
	if e == nil {
		return "<nil>"
	}
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
		for i := range e.Arg {
			b.WriteString(" " + e.Arg[i])
		}
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if err, ok := e.Err.(*Error); ok {
			pad(b, sep)
			b.WriteString(err.ErrorSeparator(sep))
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	return b.String()
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Kind == Temporary
}

// Errorf is an alternate spelling of fmt.Errorf.
var Errorf = fmt.Errorf

// New is an alternate spelling of errors.New.
var New = goerrors.New

// Recover recovers any error into an *Error. If the passed-in Error
// is already an error, it is simply returned; otherwise it is wrapped.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Copy creates a shallow copy of Error e.
func (e *Error) Copy() *Error {
	f := new(Error)
	*f = *e
	return f
}

// HTTPStatus indicates the HTTP status that should be presented
// in conjunction with this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Executability:
		return 409 // Conflict
	case Temporary:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

type jsonError struct {
	Op    string
	Arg   []string
	Kind  string
	Cause *jsonError `json:",omitempty"`
	Error string
}

func (j *jsonError) toError() error {
	if j == nil {
		return nil
	}
	if j.Error != "" {
		return New(j.Error)
	}
	var args []interface{}
	args = append(args, j.Op)
	for _, arg := range j.Arg {
		args = append(args, arg)
	}
	args = append(args, string2kind[j.Kind])
	if j.Cause != nil {
		args = append(args, j.Cause.toError())
	}
	return E(args...)
}

func toJSON(err error) *jsonError {
	switch e := err.(type) {
	case *Error:
		j := &jsonError{
			Op:   e.Op,
			Arg:  e.Arg,
			Kind: kind2string[e.Kind],
		}
		if e.Err != nil {
			j.Cause = toJSON(e.Err)
		}
		return j
	default:
		return &jsonError{Error: err.Error()}
	}
}

// MarshalJSON implements JSON marshalling for Error.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSON(e))
}

// UnmarshalJSON implements JSON unmarshalling for Error.
func (e *Error) UnmarshalJSON(b []byte) error {
	var ej jsonError
	if err := json.Unmarshal(b, &ej); err != nil {
		return err
	}
	e2, ok := ej.toError().(*Error)
	if !ok {
		return Errorf("expected *Error, got %T", e2)
	}
	*e = *e2
	return nil
}

// Match compares err1 with err2. If err1 has type Kind, Match
// reports whether err2's Kind is the same, otherwise, Match checks
// that every nonempty field in err1 has the same value in err2. If
// err1 is an *Error with a non-nil Err field, Match recurs to check
// that the two errors chain of underlying errors also match.
func Match(err1 interface{}, err2 error) bool {
	e2 := Recover(err2)
	switch e1 := err1.(type) {
	default:
		return false
	case Kind:
		return e1 == e2.Kind
	case *Error:
		if e1.Op != "" && e2.Op != e1.Op {
			return false
		}
		if len(e1.Arg) != len(e2.Arg) {
			return false
		}
		for i := range e1.Arg {
			if e1.Arg[i] != e2.Arg[i] {
				return false
			}
		}
		if e1.Kind != Other && e2.Kind != e1.Kind {
			return false
		}
		if e1.Err != nil {
			if _, ok := e1.Err.(*Error); ok {
				return Match(e1.Err, e2.Err)
			}
			if e2.Err == nil || e2.Err.Error() != e1.Err.Error() {
				return false
			}
		}
		return true
	}
}

// Transient tells whether error err is likely transient, and thus may
// be usefully retried.
func Transient(err error) bool {
	switch Recover(err).Kind {
	case Canceled, Temporary:
		return true
	default:
		return false
	}
}

// Is tells whether err (or any error in its chain) was constructed with
// the given Kind. Other denotes an unknown error and never matches.
// Callers use this to branch on an error's kind without comparing
// strings:
//
//	if errors.Is(errors.ArgumentProtocol, err) { ... }
func Is(kind Kind, err error) bool {
	if kind == Other {
		return false
	}
	for e := err; e != nil; {
		te, ok := e.(*Error)
		if !ok {
			return false
		}
		if te.Kind == kind {
			return true
		}
		e = te.Err
	}
	return false
}
