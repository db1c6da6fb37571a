// Package veilidapi implements the stable host-facing surface described in
// spec.md §6/§9 (module 10, "Veilid API"): startup/attach lifecycle,
// routing contexts, DHT operations, and the update-callback stream, wiring
// together every lower subsystem (crypto, routing table, route spec store,
// RPC processor, storage manager) behind one StartupLock-gated entry point.
//
// Grounded on the teacher's Config/Start/Stop lifecycle
// (network/p2p/server.go Server.Start/Server.Stop) generalized from "bring
// up a devp2p peer-to-peer server" to "bring up a Veilid node", and on
// spec.md §6's explicit error taxonomy and update union.
package veilidapi

import "fmt"

// Error is the closed error taxonomy spec.md §6 names. Each variant is a
// sentinel value or, where it carries data, a small struct implementing
// error — the same "typed error enum" idiom DESIGN.md documents for the
// other subsystems' operation-level errors.
type Error struct {
	Kind    ErrorKind
	Reason  string // for NoConnection
	Context string // for InvalidArgument
	Arg     string // for InvalidArgument
	Value   string // for InvalidArgument/ParseError
	Message string // for Internal/ParseError/Generic
}

// ErrorKind enumerates spec.md §6's error taxonomy.
type ErrorKind int

const (
	ErrNotInitialized ErrorKind = iota
	ErrAlreadyInitialized
	ErrTimeout
	ErrTryAgain
	ErrShutdown
	ErrInvalidTarget
	ErrNoConnection
	ErrKeyNotFound
	ErrInternal
	ErrParseError
	ErrInvalidArgument
	ErrGeneric
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrNotInitialized:
		return "veilidapi: not initialized"
	case ErrAlreadyInitialized:
		return "veilidapi: already initialized"
	case ErrTimeout:
		return "veilidapi: timeout"
	case ErrTryAgain:
		return "veilidapi: try again"
	case ErrShutdown:
		return "veilidapi: shutdown"
	case ErrInvalidTarget:
		return "veilidapi: invalid target"
	case ErrNoConnection:
		return fmt.Sprintf("veilidapi: no connection (%s)", e.Reason)
	case ErrKeyNotFound:
		return "veilidapi: key not found"
	case ErrInternal:
		return fmt.Sprintf("veilidapi: internal: %s", e.Message)
	case ErrParseError:
		return fmt.Sprintf("veilidapi: parse error: %s (value=%q)", e.Message, e.Value)
	case ErrInvalidArgument:
		return fmt.Sprintf("veilidapi: invalid argument %q=%q in %s", e.Arg, e.Value, e.Context)
	default:
		return fmt.Sprintf("veilidapi: %s", e.Message)
	}
}

func noConnection(reason string) error { return &Error{Kind: ErrNoConnection, Reason: reason} }
func internalErr(msg string) error     { return &Error{Kind: ErrInternal, Message: msg} }
func invalidArgument(context, arg, value string) error {
	return &Error{Kind: ErrInvalidArgument, Context: context, Arg: arg, Value: value}
}

var (
	errNotInitialized     = &Error{Kind: ErrNotInitialized}
	errAlreadyInitialized = &Error{Kind: ErrAlreadyInitialized}
	errShutdown           = &Error{Kind: ErrShutdown}
	errKeyNotFound        = &Error{Kind: ErrKeyNotFound}
	errInvalidTarget      = &Error{Kind: ErrInvalidTarget}
)
