package server

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"simbus/pkg/broker"
	"simbus/pkg/protocol"
	"simbus/pkg/protocol/stream"
)

// clientConn is one registered session. The read loop dispatches control
// frames and relays publishes; a writer goroutine drains the bounded delivery
// queue so one slow subscriber never stalls the broker fan-out.
type clientConn struct {
	s    *Server
	c    *stream.Conn
	name string

	outCh chan *protocol.Envelope

	closeOnce sync.Once
	closeCh   chan struct{}
	writerWg  sync.WaitGroup
}

var _ broker.Subscriber = (*clientConn)(nil)

func newClientConn(s *Server, c *stream.Conn, name string) *clientConn {
	cc := &clientConn{
		s:       s,
		c:       c,
		name:    name,
		outCh:   make(chan *protocol.Envelope, s.opts.SubscriberQueue),
		closeCh: make(chan struct{}),
	}
	cc.writerWg.Add(1)
	go cc.writeLoop()
	return cc
}

func (cc *clientConn) ID() string { return cc.name }

// Enqueue hands an envelope to the writer without ever blocking. On overflow
// the oldest queued delivery for this subscriber is discarded.
func (cc *clientConn) Enqueue(e *protocol.Envelope) bool {
	select {
	case <-cc.closeCh:
		return false
	default:
	}
	for {
		select {
		case cc.outCh <- e:
			return true
		default:
			select {
			case old := <-cc.outCh:
				zap.L().Debug("subscriber queue overflow, dropping oldest",
					zap.String("node", cc.name), zap.String("topic", old.Topic),
					zap.Uint64("seq", old.Sequence))
			default:
			}
		}
	}
}

func (cc *clientConn) writeLoop() {
	defer cc.writerWg.Done()
	for {
		select {
		case <-cc.closeCh:
			return
		case e := <-cc.outCh:
			if err := cc.c.Send(e); err != nil {
				zap.L().Debug("delivery failed", zap.String("node", cc.name), zap.Error(err))
				// kill the socket so the read loop notices and tears down
				_ = cc.c.Close()
				return
			}
		}
	}
}

// close stops the writer and the socket. Safe to call more than once.
func (cc *clientConn) close() {
	cc.closeOnce.Do(func() {
		close(cc.closeCh)
		_ = cc.c.Close()
	})
	cc.writerWg.Wait()
}

// run is the session read loop; returns when the connection dies or the
// client unregisters. Every inbound frame counts as liveness.
func (cc *clientConn) run() {
	for {
		env, err := cc.c.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				// reject the frame, keep the session; framing is intact
				zap.L().Warn("malformed frame", zap.String("node", cc.name), zap.Error(err))
				cc.s.sendError(cc.c, [16]byte{}, protocol.ErrMalformedMessage, err.Error())
				continue
			}
			zap.L().Debug("session read failed", zap.String("node", cc.name), zap.Error(err))
			return
		}
		cc.s.reg.Touch(cc.name)

		switch env.Type {
		case protocol.MsgPublish:
			// stamp the authoritative sender; clients cannot impersonate
			if env.Sender != cc.name {
				env.Sender = cc.name
			}
			cc.s.brk.Publish(env)

		case protocol.MsgSubscribe:
			var sub protocol.Subscribe
			if err := protocol.UnmarshalControl(env.Payload, &sub); err != nil {
				cc.s.sendError(cc.c, env.Correlation, err, "")
				continue
			}
			// ack first, then join: nothing published to this topic may
			// reach the subscriber ahead of the acknowledgment
			ok, _ := protocol.NewControl(protocol.MsgSubscribeOK, "", env.Correlation,
				protocol.SubscribeOK{Topic: sub.Topic})
			if err := cc.c.Send(ok); err != nil {
				return
			}
			cc.s.brk.Subscribe(sub.Topic, cc)

		case protocol.MsgUnsubscribe:
			var unsub protocol.Unsubscribe
			if err := protocol.UnmarshalControl(env.Payload, &unsub); err != nil {
				cc.s.sendError(cc.c, env.Correlation, err, "")
				continue
			}
			cc.s.brk.Unsubscribe(unsub.Topic, cc.name)

		case protocol.MsgAdvertise:
			var adv protocol.Advertise
			if err := protocol.UnmarshalControl(env.Payload, &adv); err != nil {
				cc.s.sendError(cc.c, env.Correlation, err, "")
				continue
			}
			cc.s.brk.Advertise(adv.Topic, cc.name)

		case protocol.MsgListNodes:
			cc.sendNodeList(env.Correlation)

		case protocol.MsgHeartbeat:
			// Touch above already refreshed the record

		case protocol.MsgUnregister:
			zap.L().Debug("client unregistered", zap.String("node", cc.name))
			return

		default:
			zap.L().Warn("unexpected frame kind",
				zap.String("node", cc.name), zap.String("kind", protocol.KindName(env.Type)))
		}
	}
}

func (cc *clientConn) sendNodeList(corr [16]byte) {
	snap := cc.s.reg.Snapshot()
	list := protocol.NodeList{Nodes: make([]protocol.NodeEntry, 0, len(snap))}
	for _, n := range snap {
		list.Nodes = append(list.Nodes, protocol.NodeEntry{Name: n.Name, Endpoints: n.Endpoints})
	}
	env, err := protocol.NewControl(protocol.MsgNodeList, "", corr, list)
	if err != nil {
		zap.L().Error("encode node list", zap.Error(err))
		return
	}
	if err := cc.c.Send(env); err != nil {
		zap.L().Debug("node list send failed", zap.String("node", cc.name), zap.Error(err))
	}
}
