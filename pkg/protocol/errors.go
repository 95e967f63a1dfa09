package protocol

import "errors"

// Stable error kinds surfaced across the bus API. Wire error replies carry
// the string form (ErrorReply.Kind); KindToErr/ErrToKind map between the two.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrDuplicateName    = errors.New("duplicate node name")
	ErrTimeout          = errors.New("request timed out")
	ErrMalformedMessage = errors.New("malformed message")
	ErrConnectionLost   = errors.New("connection lost")
)

const (
	KindNotConnected     = "not_connected"
	KindDuplicateName    = "duplicate_name"
	KindTimeout          = "timeout"
	KindMalformedMessage = "malformed_message"
	KindConnectionLost   = "connection_lost"
)

// KindToErr maps a wire error kind to its sentinel. Unknown kinds map to a
// generic error so a newer server cannot crash an older client.
func KindToErr(kind string) error {
	switch kind {
	case KindNotConnected:
		return ErrNotConnected
	case KindDuplicateName:
		return ErrDuplicateName
	case KindTimeout:
		return ErrTimeout
	case KindMalformedMessage:
		return ErrMalformedMessage
	case KindConnectionLost:
		return ErrConnectionLost
	default:
		return errors.New("bus error: " + kind)
	}
}

// ErrToKind maps a sentinel (or anything wrapping one) to its wire kind.
func ErrToKind(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrDuplicateName):
		return KindDuplicateName
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrMalformedMessage):
		return KindMalformedMessage
	case errors.Is(err, ErrConnectionLost):
		return KindConnectionLost
	default:
		return "internal"
	}
}
