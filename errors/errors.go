// Package errors defines the host stack's error taxonomy.
//
// Every operation that can fail returns either a nil error or an *Error
// carrying a host-level Kind and, when a protocol PDU actually surfaced
// the failure, the wire-level Proto code that caused it. Kind is the
// thing callers branch on; Proto is carried for diagnostics.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a host-level error classification, independent of which
// protocol layer produced it.
type Kind int

const (
	KindFailed Kind = iota
	KindTimedOut
	KindInvalidParameters
	KindCanceled
	KindInProgress
	KindNotSupported
	KindNotFound
	KindPeerNotFound
	KindOutOfMemory
	KindLinkDisconnected
	KindPacketMalformed
	KindNotReliable
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindTimedOut:
		return "timed-out"
	case KindInvalidParameters:
		return "invalid-parameters"
	case KindCanceled:
		return "canceled"
	case KindInProgress:
		return "in-progress"
	case KindNotSupported:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindPeerNotFound:
		return "peer-not-found"
	case KindOutOfMemory:
		return "out-of-memory"
	case KindLinkDisconnected:
		return "link-disconnected"
	case KindPacketMalformed:
		return "packet-malformed"
	case KindNotReliable:
		return "not-reliable"
	case KindNotReady:
		return "not-ready"
	default:
		return "unknown"
	}
}

// ProtoLayer identifies which protocol's status code Proto carries.
type ProtoLayer int

const (
	ProtoNone ProtoLayer = iota
	ProtoHCIStatus
	ProtoATTError
	ProtoL2CAPReject
	ProtoSMPFailure
)

// Error is the sum type {Host(Kind), Protocol(Layer, code)} described
// in spec §7/§9: a result carries either success or this pair. Kind is
// always set; Layer/Code are only meaningful when Layer != ProtoNone.
type Error struct {
	Kind  Kind
	Layer ProtoLayer
	Code  uint8
	msg   string
}

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, msg: msg}
}

func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// WithProto attaches a protocol-level status/error/reject code to a
// host Kind, the way an ATT ErrorResponse or HCI CommandComplete
// status surfaces alongside the host-level classification.
func WithProto(k Kind, layer ProtoLayer, code uint8, msg string) *Error {
	return &Error{Kind: k, Layer: layer, Code: code, msg: msg}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Layer == ProtoNone {
		if e.msg != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.msg)
		}
		return e.Kind.String()
	}
	if e.msg != "" {
		return fmt.Sprintf("%s (%s 0x%02x): %s", e.Kind, e.Layer, e.Code, e.msg)
	}
	return fmt.Sprintf("%s (%s 0x%02x)", e.Kind, e.Layer, e.Code)
}

func (l ProtoLayer) String() string {
	switch l {
	case ProtoHCIStatus:
		return "hci-status"
	case ProtoATTError:
		return "att-error"
	case ProtoL2CAPReject:
		return "l2cap-reject"
	case ProtoSMPFailure:
		return "smp-failure"
	default:
		return "none"
	}
}

// Is makes errors.Is(err, Kind) work by comparing target's Kind only,
// so callers can write errors.Is(err, errors.New(errors.KindTimedOut, ""))
// without caring about the protocol code attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports the Kind of err if it is (or wraps) an *Error, and
// whether one was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if !stderrors.As(err, &e) {
		return KindFailed, false
	}
	return e.Kind, true
}
