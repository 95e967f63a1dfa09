// Package server composes the node registry and topic broker behind one
// control/data endpoint. All state lives on the Server instance; independent
// servers can coexist in one process, which the tests rely on.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"simbus/pkg/broker"
	"simbus/pkg/protocol"
	"simbus/pkg/protocol/stream"
	"simbus/pkg/registry"
	"simbus/pkg/transport"
)

// Options tune server housekeeping. Zero values get defaults.
type Options struct {
	// HeartbeatInterval is the expected client heartbeat period.
	HeartbeatInterval time.Duration
	// HeartbeatMisses consecutive silent intervals before a node is reaped.
	HeartbeatMisses int
	// TopicRetention keeps an empty topic alive before GC.
	TopicRetention time.Duration
	// SubscriberQueue bounds each per-connection delivery queue.
	SubscriberQueue int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 3
	}
	if o.TopicRetention <= 0 {
		o.TopicRetention = 30 * time.Second
	}
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 256
	}
	return o
}

// Server accepts client sessions and serves registration, discovery and
// publish/subscribe relay.
type Server struct {
	tr   transport.Transport
	opts Options
	reg  *registry.Registry
	brk  *broker.Broker

	mu       sync.Mutex
	conns    map[string]*clientConn    // by node name, registered sessions only
	allConns map[*stream.Conn]struct{} // every live connection, registered or not

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	l       transport.Listener
}

func New(tr transport.Transport, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		tr:       tr,
		opts:     opts,
		reg:      registry.New(),
		brk:      broker.New(broker.Options{Retention: opts.TopicRetention}),
		conns:    make(map[string]*clientConn),
		allConns: make(map[*stream.Conn]struct{}),
	}
}

// Registry exposes the node directory (diagnostics, tests).
func (s *Server) Registry() *registry.Registry { return s.reg }

// Broker exposes the topic relay (diagnostics, tests).
func (s *Server) Broker() *broker.Broker { return s.brk }

// Start listens on address and serves until ctx is cancelled or Close is
// called. Non-blocking.
func (s *Server) Start(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	l, err := s.tr.Listen(s.ctx, address)
	if err != nil {
		s.cancel()
		return err
	}
	s.l = l
	s.started = true
	zap.L().Info("server listening",
		zap.String("transport", s.tr.Kind().String()), zap.String("addr", l.Addr().String()))
	s.wg.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()
	return nil
}

// Close stops accepting, disconnects every session and waits for all server
// goroutines. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, l := s.cancel, s.l
	s.mu.Unlock()

	cancel()
	_ = l.Close()

	// session loops block in Recv and never watch the context; closing their
	// connections is what unblocks them
	s.mu.Lock()
	for c := range s.allConns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.brk.Close()
	zap.L().Info("server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.l.Accept(s.ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// handleConn runs the registration handshake and then the session's read
// loop. The first frame must be REGISTER; anything else closes the
// connection.
func (s *Server) handleConn(tc transport.Conn) {
	c := stream.New(tc)
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.allConns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.allConns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	env, err := c.Recv()
	if err != nil {
		zap.L().Debug("connection dropped before registration", zap.Error(err))
		return
	}
	if env.Type != protocol.MsgRegister {
		zap.L().Warn("first frame is not REGISTER, closing",
			zap.String("kind", protocol.KindName(env.Type)))
		s.sendError(c, env.Correlation, protocol.ErrNotConnected, "session is not registered")
		return
	}
	var reg protocol.Register
	if err := protocol.UnmarshalControl(env.Payload, &reg); err != nil {
		s.sendError(c, env.Correlation, protocol.ErrMalformedMessage, err.Error())
		return
	}
	name := reg.Name
	if name == "" {
		name = env.Sender
	}
	if name == "" {
		s.sendError(c, env.Correlation, protocol.ErrMalformedMessage, "missing node name")
		return
	}

	if err := s.reg.Register(name, reg.Endpoints); err != nil {
		zap.L().Warn("registration rejected", zap.String("node", name), zap.Error(err))
		s.sendError(c, env.Correlation, err, "")
		return
	}

	cc := newClientConn(s, c, name)
	s.mu.Lock()
	old := s.conns[name]
	s.conns[name] = cc
	s.mu.Unlock()
	if old != nil {
		// the previous holder was expired from the registry but its socket is
		// still open; it loses the name before the new session joins any topic
		zap.L().Info("stale session displaced", zap.String("node", name))
		s.brk.DropEndpoint(name)
		old.close()
	}

	ok, _ := protocol.NewControl(protocol.MsgRegisterOK, "", env.Correlation, protocol.Register{Name: name})
	if err := c.Send(ok); err != nil {
		s.dropConn(cc)
		return
	}

	cc.run()
	s.dropConn(cc)
}

// dropConn tears a registered session down exactly once: registry entry,
// broker membership, connection table, socket.
func (s *Server) dropConn(cc *clientConn) {
	s.mu.Lock()
	if s.conns[cc.name] != cc {
		s.mu.Unlock()
		return
	}
	delete(s.conns, cc.name)
	s.mu.Unlock()

	s.reg.Unregister(cc.name)
	s.brk.DropEndpoint(cc.name)
	cc.close()
	zap.L().Info("session closed", zap.String("node", cc.name))
}

func (s *Server) sendError(c *stream.Conn, corr [16]byte, cause error, detail string) {
	rep := protocol.ErrorReply{Kind: protocol.ErrToKind(cause), Detail: detail}
	env, err := protocol.NewControl(protocol.MsgError, "", corr, rep)
	if err != nil {
		return
	}
	_ = c.Send(env)
}

// sweepLoop reaps nodes that missed too many heartbeats, keeping the
// registry consistent when clients die without unregistering.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	tick := time.NewTicker(s.opts.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-tick.C:
			grace := s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMisses)
			// snapshot before expiring: an expired name was registered well
			// before this tick, so the snapshot cannot hold a session that
			// re-registered the name after the reap
			s.mu.Lock()
			conns := make(map[string]*clientConn, len(s.conns))
			for name, cc := range s.conns {
				conns[name] = cc
			}
			s.mu.Unlock()
			for _, name := range s.reg.Expire(now.Add(-grace)) {
				if cc := conns[name]; cc != nil {
					// dropConn unregisters again; idempotent, and a no-op if
					// the session already tore itself down
					s.dropConn(cc)
				}
			}
		}
	}
}
