package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// framedConn adapts a net.Conn into a Conn using u32 LE length-prefixed
// frames. Shared by the tcp and mem transports.
type framedConn struct {
	mu sync.Mutex // serializes Send
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

// NetConn wraps a stream-oriented net.Conn with frame boundaries.
func NetConn(c net.Conn) Conn {
	return &framedConn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *framedConn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *framedConn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *framedConn) Close() error         { return s.c.Close() }

func (s *framedConn) Send(b []byte) error {
	if len(b) > MaxFrame {
		return fmt.Errorf("frame too large: %d", len(b))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *framedConn) Recv() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > MaxFrame {
		return nil, fmt.Errorf("invalid frame size: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
