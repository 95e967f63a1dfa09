// Package stream sends and receives protocol.Envelope frames over a
// transport connection.
package stream

import (
	"simbus/pkg/protocol"
	"simbus/pkg/transport"
)

// Conn pairs a transport.Conn with the envelope codec. Send is safe for
// concurrent use (the underlying transport serializes frames); Recv expects a
// single reader goroutine.
type Conn struct {
	c transport.Conn
}

func New(c transport.Conn) *Conn { return &Conn{c: c} }

// Transport returns the wrapped connection.
func (c *Conn) Transport() transport.Conn { return c.c }

func (c *Conn) Send(e *protocol.Envelope) error {
	frame, err := e.Encode()
	if err != nil {
		return err
	}
	return c.c.Send(frame)
}

// Recv blocks for the next envelope. Transport errors pass through
// unchanged; frames that do not parse fail with ErrMalformedMessage.
func (c *Conn) Recv() (*protocol.Envelope, error) {
	frame, err := c.c.Recv()
	if err != nil {
		return nil, err
	}
	var e protocol.Envelope
	if err := e.Decode(frame); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Conn) Close() error { return c.c.Close() }
