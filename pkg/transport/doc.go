// Package transport defines the byte-stream capability the bus core runs on
// and provides the concrete implementations (tcp, quic, mem).
//
// Key concepts:
//   - Transport: dials/listens for Conns of a specific Kind (TCP/QUIC/Mem)
//   - Listener: accepts inbound Conns, cancellable via context
//   - Conn: a bidirectional sequence of whole frames; framing is the
//     transport's concern, frame contents (protocol envelopes) are not
//
// The mem transport runs on net.Pipe and exists so the messaging core can be
// exercised in tests without sockets.
package transport
