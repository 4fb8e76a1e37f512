// Package callerr defines the error taxonomy shared by the call subsystem.
//
// Every layer returns *Error values (or wraps them with %w) so callers can
// branch with errors.Is against the sentinels below:
//
//	if errors.Is(err, callerr.ErrUnauthenticated) { ... }
package callerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and user-notification decisions.
type Kind int

const (
	Unknown Kind = iota
	Unauthenticated
	PeerUnreachable
	NetworkUnavailable
	Timeout
	TransportError
	PermissionDenied
	NegotiationFailed
	NotFound
	CallInProgress
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	Unauthenticated:    "unauthenticated",
	PeerUnreachable:    "peer unreachable",
	NetworkUnavailable: "network unavailable",
	Timeout:            "timeout",
	TransportError:     "transport error",
	PermissionDenied:   "permission denied",
	NegotiationFailed:  "negotiation failed",
	NotFound:           "not found",
	CallInProgress:     "call in progress",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the concrete error type. Op names the failing operation
// ("initiateCall", "initWebRTC"), Msg carries backend payloads verbatim.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Attempts > 0 {
		s += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// Sentinels for errors.Is.
var (
	ErrUnknown            = &Error{Kind: Unknown}
	ErrUnauthenticated    = &Error{Kind: Unauthenticated}
	ErrPeerUnreachable    = &Error{Kind: PeerUnreachable}
	ErrNetworkUnavailable = &Error{Kind: NetworkUnavailable}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrTransport          = &Error{Kind: TransportError}
	ErrPermissionDenied   = &Error{Kind: PermissionDenied}
	ErrNegotiationFailed  = &Error{Kind: NegotiationFailed}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrCallInProgress     = &Error{Kind: CallInProgress}
)

// New builds an *Error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether a failure of this kind may be attempted again.
func Retryable(k Kind) bool {
	switch k {
	case NetworkUnavailable, Timeout, TransportError:
		return true
	}
	return false
}

// Terminal reports whether a failure of this kind must force the session to end.
func Terminal(k Kind) bool {
	switch k {
	case NegotiationFailed, PermissionDenied, Unauthenticated:
		return true
	}
	return false
}

// UserMessage turns err into the text shown in a notification.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case Unauthenticated:
		return "You are signed out. Sign in again to place calls."
	case PeerUnreachable:
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return "Could not reach the other party: " + e.Msg
		}
		return "Could not reach the other party."
	case NetworkUnavailable:
		return "No network connection. Waiting for the connection to come back."
	case Timeout:
		return "The connection is taking too long. Retrying."
	case TransportError:
		return "The connection dropped. Retrying."
	case PermissionDenied:
		return "Camera or microphone access was denied. Allow access in your system settings and try again."
	case NegotiationFailed:
		return "Could not connect the call."
	case CallInProgress:
		return "Another call is already in progress."
	case NotFound:
		return "The call no longer exists."
	}
	return "Something went wrong with the call."
}
