package udx

import (
	"github.com/juju/errors"
)

// Terminal connection errors. Callers should compare with CodeOf since the
// returned errors may be annotated.
var (
	// ErrNoServer is reported when a connection attempt reaches its deadline
	// without any response from the peer.
	ErrNoServer = errors.New("no server is responding")

	// ErrConnectionRejected is reported when the peer explicitly rejects a
	// connection attempt.
	ErrConnectionRejected = errors.New("connection rejected by peer")

	// ErrConnectInProgress is reported when an operation is not possible
	// because the socket is already connected or connecting.
	ErrConnectInProgress = errors.New("socket already connected or connecting")

	// ErrSocketClosed is reported when operating on a closed socket, or when
	// the socket is closed mid-attempt.
	ErrSocketClosed = errors.New("socket closed")

	// ErrInvalidAddress is reported synchronously when the remote address is
	// malformed. No socket state is mutated.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNotConnected is reported when sending or receiving on a socket that
	// has not established a connection.
	ErrNotConnected = errors.New("socket not connected")

	// ErrNoData is reported by a non-blocking Recv when no data is buffered.
	ErrNoData = errors.New("no data available")

	// ErrInvalidOptionValue is reported when setting an option with a value
	// of the wrong type or out of range.
	ErrInvalidOptionValue = errors.New("invalid option value")

	// ErrPollerClosed is reported when waiting on a released poller.
	ErrPollerClosed = errors.New("poller released")

	// ErrNoSubscribers is reported by Wait when no subscribed sockets exist
	// any more.
	ErrNoSubscribers = errors.New("no subscribed sockets")

	// ErrStackClosed is reported when creating sockets or pollers on a
	// closed stack.
	ErrStackClosed = errors.New("stack closed")
)

// ErrorCode is the closed enumeration of user-visible connection outcomes.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeNoServer
	CodeConnectionRejected
	CodeConnectInProgress
	CodeSocketClosed
	CodeInvalidAddress
	CodeUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeNoServer:
		return "no_server"
	case CodeConnectionRejected:
		return "connection_rejected"
	case CodeConnectInProgress:
		return "connect_in_progress"
	case CodeSocketClosed:
		return "socket_closed"
	case CodeInvalidAddress:
		return "invalid_address"
	default:
		return "unknown"
	}
}

// CodeOf maps an error returned by this package to its ErrorCode. Annotated
// errors are unwrapped to their cause first.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeSuccess
	}

	switch errors.Cause(err) {
	case ErrNoServer:
		return CodeNoServer
	case ErrConnectionRejected:
		return CodeConnectionRejected
	case ErrConnectInProgress:
		return CodeConnectInProgress
	case ErrSocketClosed:
		return CodeSocketClosed
	case ErrInvalidAddress:
		return CodeInvalidAddress
	default:
		return CodeUnknown
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
