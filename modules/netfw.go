package modules

import (
	"fmt"
)

// ConnErrorType enumerates the failure classes reported by the connection
// framework. They mirror the framework's own error codes so that callers can
// apply per-class retry policy.
type ConnErrorType int

const (
	ConnErrClean ConnErrorType = iota
	ConnErrTimeout
	ConnErrDestroy
	ConnErrConnect
	ConnErrReset
	ConnErrLogin
	ConnErrBadHandle
	ConnErrProtocol
	ConnErrCantConnect
)

// String implements the Stringer interface.
func (t ConnErrorType) String() string {
	switch t {
	case ConnErrClean:
		return "clean"
	case ConnErrTimeout:
		return "timeout"
	case ConnErrDestroy:
		return "destroy"
	case ConnErrConnect:
		return "connect"
	case ConnErrReset:
		return "reset"
	case ConnErrLogin:
		return "login"
	case ConnErrBadHandle:
		return "bad handle"
	case ConnErrProtocol:
		return "protocol"
	case ConnErrCantConnect:
		return "cant connect"
	default:
		return fmt.Sprintf("unknown conn error %d", int(t))
	}
}

type (
	// A ConnError is a typed failure of a connection operation. All errors
	// returned by a Conn are of this type.
	ConnError struct {
		Type ConnErrorType
		Err  error
	}

	// A Conn is a framework-managed channel to one remote node. A Conn
	// supports exactly one outstanding request at a time; it is the
	// caller's responsibility to serialize calls to Request. Conns are not
	// safe for concurrent use.
	Conn interface {
		// Request performs a single message exchange: it sends a message
		// of the given type carrying payload and blocks until the
		// response payload arrives or the exchange fails. A returned
		// error is always a *ConnError.
		Request(msgType uint16, payload []byte) ([]byte, error)

		// NodeID returns the remote node this connection is established
		// with.
		NodeID() NodeID

		// Close tears the connection down. In-flight exchanges are
		// aborted.
		Close() error
	}

	// A Dialer establishes connections to remote nodes on behalf of the
	// fetcher. Implementations are provided by the connection framework.
	Dialer interface {
		Dial(node NodeID) (Conn, error)
	}
)

// Error implements the error interface.
func (ce *ConnError) Error() string {
	if ce.Err == nil {
		return "conn error: " + ce.Type.String()
	}
	return fmt.Sprintf("conn error (%v): %v", ce.Type, ce.Err)
}

// Unwrap returns the wrapped error.
func (ce *ConnError) Unwrap() error {
	return ce.Err
}
