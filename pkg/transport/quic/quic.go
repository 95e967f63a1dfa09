// Package quic implements the bus transport over QUIC. Each connection
// carries one bidirectional stream with the same u32 LE framing the tcp
// transport uses. TLS runs with an ephemeral self-signed certificate; the
// bus does not authenticate transports.
package quic

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"simbus/pkg/transport"
)

const alpn = "simbus"

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{}}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, closeCh: make(chan struct{})}
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // transports carry no identity, nodes are named at the bus layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "no stream")
		return nil, err
	}
	return newConn(c, st), nil
}

type listener struct {
	l         *quicgo.Listener
	closeOnce sync.Once
	closeCh   chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, errors.New("quic listener closed")
	default:
	}
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	// the dialer opens the single stream; bound the wait so a dead peer
	// cannot wedge the accept loop
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := c.AcceptStream(sctx)
	cancel()
	if err != nil {
		_ = c.CloseWithError(0, "no stream")
		return nil, err
	}
	return newConn(c, st), nil
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

// conn frames one QUIC stream exactly like the tcp transport frames a socket.
type conn struct {
	mu sync.Mutex
	c  quicgo.Connection
	st quicgo.Stream
	br *bufio.Reader
	bw *bufio.Writer
}

func newConn(c quicgo.Connection, st quicgo.Stream) *conn {
	return &conn{c: c, st: st, br: bufio.NewReader(st), bw: bufio.NewWriter(st)}
}

func (s *conn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *conn) Send(b []byte) error {
	if len(b) > transport.MaxFrame {
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

func (s *conn) Recv() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > transport.MaxFrame {
		return nil, fmt.Errorf("invalid frame size: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *conn) Close() error {
	_ = s.st.Close()
	return s.c.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed certificate for the
// listening side.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
