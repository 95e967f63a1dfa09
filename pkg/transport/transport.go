package transport

import (
	"context"
	"net"
)

// Kind identifies the link type of a transport.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// MaxFrame bounds a single frame on the wire (16 MiB). Larger length
// prefixes are treated as corruption.
const MaxFrame = 1 << 24

// Conn is a bidirectional frame stream. Send is safe for concurrent use;
// Recv expects a single reader goroutine.
type Conn interface {
	// Send writes one frame (length-prefixed by the transport).
	Send([]byte) error
	// Recv blocks for the next frame and returns its bytes.
	Recv() ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Close tears the connection down; a blocked Recv returns with an error.
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound connections on address
	// (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound connection.
	Dial(ctx context.Context, address string) (Conn, error)
}
