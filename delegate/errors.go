package delegate

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/imgdelegate/protocol"
)

// Kind classifies every error the Client returns.
type Kind int

const (
	KindUnknown              Kind = iota // Not produced by this package
	KindConnection                       // Endpoint unreachable, malformed, or handshake failed
	KindNotConnected                     // Process called while disconnected
	KindUnsupportedOperation             // Operation not in the recognized set
	KindInvalidImage                     // Empty or inconsistent image
	KindInvalidParameter                 // Operation parameters rejected
	KindTimeout                          // No response before the deadline; connection dropped
	KindProcessing                       // Transport or remote failure; connection kept
	KindConcurrentUse                    // Overlapping Process calls on one client
	KindCanceled                         // Caller abandoned the call; connection dropped
)

// String returns the error kind's name.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindNotConnected:
		return "NotConnectedError"
	case KindUnsupportedOperation:
		return "UnsupportedOperationError"
	case KindInvalidImage:
		return "InvalidImageError"
	case KindInvalidParameter:
		return "InvalidParameterError"
	case KindTimeout:
		return "TimeoutError"
	case KindProcessing:
		return "ProcessingError"
	case KindConcurrentUse:
		return "ConcurrentUseError"
	case KindCanceled:
		return "CanceledError"
	default:
		return "UnknownError"
	}
}

// Error is the structured error returned by Client methods.
type Error struct {
	Kind    Kind
	Op      string // client method, e.g. "connect" or "process"
	Message string
	Err     error // underlying cause, if any
}

// Sentinels for errors.Is; matching compares Kind only.
var (
	ErrConnection           = &Error{Kind: KindConnection}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation}
	ErrInvalidImage         = &Error{Kind: KindInvalidImage}
	ErrInvalidParameter     = &Error{Kind: KindInvalidParameter}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrProcessing           = &Error{Kind: KindProcessing}
	ErrConcurrentUse        = &Error{Kind: KindConcurrentUse}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	s := "delegate"
	if e.Op != "" {
		s += " " + e.Op
	}
	s += ": " + e.Kind.String()

	if e.Message != "" {
		s += ": " + e.Message
	}

	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// fromRemote maps a failure reported by the endpoint to a client error.
// None of these affect the connection.
func fromRemote(remote *protocol.RemoteError) *Error {
	switch remote.Kind {
	case protocol.ErrorKindUnsupportedOperation:
		return newError(KindUnsupportedOperation, "process", "rejected by endpoint", remote)
	case protocol.ErrorKindInvalidImage:
		return newError(KindInvalidImage, "process", "rejected by endpoint", remote)
	case protocol.ErrorKindInvalidParameter:
		return newError(KindInvalidParameter, "process", "rejected by endpoint", remote)
	default:
		return newError(KindProcessing, "process", fmt.Sprintf("endpoint reported %s", remote.Kind), remote)
	}
}
