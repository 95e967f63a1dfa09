// Package client is the per-process runtime that connects a simulation
// process to the bus. One background goroutine owns the connection; every
// public method hands work to it through thread-safe queues and never touches
// the transport directly.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"simbus/pkg/config"
	"simbus/pkg/protocol"
	"simbus/pkg/protocol/stream"
	"simbus/pkg/transport"
	"simbus/pkg/transport/tcp"
)

// Handler receives envelopes for a subscribed topic. Handlers run on the
// client's background goroutine: they must not block, long work belongs on a
// goroutine of the caller's own.
type Handler func(e *protocol.Envelope)

// Config describes one client. Zero values get defaults.
type Config struct {
	// ServerAddr is the bus address ("localhost:9753" by default).
	ServerAddr string
	// Name is the node identity, unique on the bus ("anonymous" by default).
	Name string
	// Transport defaults to TCP.
	Transport transport.Transport
	// RequestTimeout bounds control-channel requests and the registration
	// handshake.
	RequestTimeout time.Duration
	// HeartbeatInterval is the liveness refresh period.
	HeartbeatInterval time.Duration
	// PublishQueue bounds each per-topic outgoing queue.
	PublishQueue int
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = fmt.Sprintf("localhost:%d", config.DefaultPort)
	}
	if c.Name == "" {
		c.Name = "anonymous"
	}
	if c.Transport == nil {
		c.Transport = tcp.New()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.PublishQueue <= 0 {
		c.PublishQueue = 64
	}
	return c
}

// FromConfig maps the file/env configuration onto a client Config. The
// transport still has to be supplied when it is not TCP.
func FromConfig(cc config.ClientConfig) Config {
	return Config{
		ServerAddr:        cc.ServerAddr,
		Name:              cc.Name,
		RequestTimeout:    cc.RequestTimeout(),
		HeartbeatInterval: cc.HeartbeatInterval(),
		PublishQueue:      cc.PublishQueue,
	}
}

// Client connects one process to the bus. Construct with New, then SetName
// (optional), Connect, and Shutdown when done; Shutdown also runs via
// defer-style cleanup paths and is idempotent.
type Client struct {
	cfg Config

	mu         sync.Mutex
	state      State
	name       string
	lastErr    error
	handlers   map[string][]Handler
	advertised map[string]struct{}
	stopCh     chan struct{}
	runDone    chan struct{}

	pendingMu sync.Mutex
	pending   map[[16]byte]chan *protocol.Envelope

	pubMu sync.Mutex // orders sequence assignment with queue insertion
	seq   atomic.Uint64
	out   *outQueue

	cmdCh chan *protocol.Envelope
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		state:      Disconnected,
		name:       cfg.Name,
		handlers:   make(map[string][]Handler),
		advertised: make(map[string]struct{}),
		pending:    make(map[[16]byte]chan *protocol.Envelope),
		out:        newOutQueue(cfg.PublishQueue),
		cmdCh:      make(chan *protocol.Envelope, 16),
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last session error (duplicate name, lost connection),
// cleared by a successful Connect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Name returns the node identity.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName changes the node identity. Only valid while Disconnected.
func (c *Client) SetName(name string) error {
	if name == "" {
		return errors.New("empty node name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		return fmt.Errorf("set name in state %s: %w", c.state, protocol.ErrNotConnected)
	}
	c.name = name
	return nil
}

// Connect starts the background session. Non-blocking: registration runs on
// the background goroutine and failures (duplicate name, unreachable server)
// are logged and left in Err(), with the state back at Disconnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Disconnected:
	case Closed:
		return errors.New("client is closed")
	default:
		return fmt.Errorf("connect in state %s", c.state)
	}
	c.state = Connecting
	c.lastErr = nil
	stopCh := make(chan struct{})
	runDone := make(chan struct{})
	c.stopCh = stopCh
	c.runDone = runDone
	go c.run(stopCh, runDone)
	return nil
}

// Publish enqueues one message for topic. Fire-and-forget: delivery failures
// are logged, never returned; the only synchronous errors are session
// preconditions. On queue overflow the oldest message of that topic is
// dropped.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	c.mu.Lock()
	st, lastErr, name := c.state, c.lastErr, c.name
	c.mu.Unlock()
	if !st.connected() {
		if lastErr != nil {
			zap.L().Warn("publish dropped", zap.String("topic", topic), zap.Error(lastErr))
			return lastErr
		}
		return protocol.ErrNotConnected
	}

	e := &protocol.Envelope{
		Type:      protocol.MsgPublish,
		Topic:     topic,
		Sender:    name,
		Timestamp: time.Now(),
		Payload:   append([]byte(nil), payload...),
	}
	c.pubMu.Lock()
	e.Sequence = c.seq.Add(1)
	dropped := c.out.push(topic, e)
	c.pubMu.Unlock()
	if dropped != nil {
		zap.L().Debug("publish queue overflow, dropping oldest",
			zap.String("topic", topic), zap.Uint64("seq", dropped.Sequence))
	}
	return nil
}

// Subscribe registers a handler for topic. Valid in any state before Closed:
// intents recorded before Connect are established right after registration.
func (c *Client) Subscribe(topic string, h Handler) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	if h == nil {
		return errors.New("nil handler")
	}
	c.mu.Lock()
	if c.state == Closed || c.state == ShuttingDown {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	c.handlers[topic] = append(c.handlers[topic], h)
	first := len(c.handlers[topic]) == 1
	st, name := c.state, c.name
	c.mu.Unlock()

	if first && st.connected() {
		c.postControl(protocol.MsgSubscribe, name, protocol.Subscribe{Topic: topic})
	}
	return nil
}

// Unsubscribe drops every handler for topic.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	_, had := c.handlers[topic]
	delete(c.handlers, topic)
	st, name := c.state, c.name
	c.mu.Unlock()
	if had && st.connected() {
		c.postControl(protocol.MsgUnsubscribe, name, protocol.Unsubscribe{Topic: topic})
	}
}

// Advertise declares publisher intent on topic.
func (c *Client) Advertise(topic string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	c.mu.Lock()
	if c.state == Closed || c.state == ShuttingDown {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	c.advertised[topic] = struct{}{}
	st, name := c.state, c.name
	c.mu.Unlock()
	if st.connected() {
		c.postControl(protocol.MsgAdvertise, name, protocol.Advertise{Topic: topic})
	}
	return nil
}

// RequestListOfNodes asks the registry for a snapshot, ordered by name.
// Blocks only the calling goroutine; fails with ErrTimeout after the request
// timeout even when the server is unreachable, and ErrNotConnected before
// registration.
func (c *Client) RequestListOfNodes() ([]protocol.NodeEntry, error) {
	c.mu.Lock()
	st, name := c.state, c.name
	c.mu.Unlock()
	if !st.connected() {
		return nil, protocol.ErrNotConnected
	}

	corr, err := protocol.NewCorrelation()
	if err != nil {
		return nil, err
	}
	env, err := protocol.NewControl(protocol.MsgListNodes, name, corr, protocol.ListNodes{})
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[corr] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, corr)
		c.pendingMu.Unlock()
	}()

	deadline := time.NewTimer(c.cfg.RequestTimeout)
	defer deadline.Stop()

	select {
	case c.cmdCh <- env:
	case <-deadline.C:
		return nil, protocol.ErrTimeout
	}

	select {
	case rep := <-ch:
		if rep.Type == protocol.MsgError {
			var er protocol.ErrorReply
			if err := protocol.UnmarshalControl(rep.Payload, &er); err != nil {
				return nil, err
			}
			return nil, protocol.KindToErr(er.Kind)
		}
		var list protocol.NodeList
		if err := protocol.UnmarshalControl(rep.Payload, &list); err != nil {
			return nil, err
		}
		return list.Nodes, nil
	case <-deadline.C:
		return nil, protocol.ErrTimeout
	}
}

// Shutdown stops the background session: best-effort UNREGISTER, close the
// connection, join the goroutine. Idempotent and safe from any goroutine;
// after it returns nothing touches the socket again.
func (c *Client) Shutdown() {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return
	case Disconnected:
		c.state = Closed
		c.mu.Unlock()
		return
	case ShuttingDown:
		done := c.runDone
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		return
	default:
		c.state = ShuttingDown
		stop, done := c.stopCh, c.runDone
		c.mu.Unlock()
		select {
		case <-stop:
		default:
			close(stop)
		}
		<-done
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
	}
}

// postControl hands a control envelope to the run loop without blocking the
// caller; if the mailbox is full or the session dies first, the intent is
// re-established on the next Connect anyway.
func (c *Client) postControl(kind uint8, sender string, rec any) {
	env, err := protocol.NewControl(kind, sender, [16]byte{}, rec)
	if err != nil {
		zap.L().Error("encode control", zap.String("kind", protocol.KindName(kind)), zap.Error(err))
		return
	}
	select {
	case c.cmdCh <- env:
	default:
		zap.L().Warn("control mailbox full", zap.String("kind", protocol.KindName(kind)))
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// failSession records the error and moves back to Disconnected (unless a
// shutdown is already in progress).
func (c *Client) failSession(err error) {
	c.mu.Lock()
	if c.state != ShuttingDown && c.state != Closed {
		c.state = Disconnected
	}
	c.lastErr = err
	c.mu.Unlock()
	c.failPending(err)
	c.out.drop()
}

// failPending answers every outstanding request with an error reply so no
// caller is left blocked on a dead session.
func (c *Client) failPending(cause error) {
	rep, encErr := protocol.NewControl(protocol.MsgError, "", [16]byte{},
		protocol.ErrorReply{Kind: protocol.ErrToKind(cause)})
	if encErr != nil {
		return
	}
	c.pendingMu.Lock()
	for corr, ch := range c.pending {
		select {
		case ch <- rep:
		default:
		}
		delete(c.pending, corr)
	}
	c.pendingMu.Unlock()
}

// run is the background execution context: it owns the connection, performs
// registration, establishes subscriptions, services the outgoing queue and
// dispatches inbound envelopes. Exactly one run goroutine exists per
// connected session.
func (c *Client) run(stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	// stale commands from a previous session are meaningless now
	for {
		select {
		case <-c.cmdCh:
			continue
		default:
		}
		break
	}

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	tc, err := c.cfg.Transport.Dial(dialCtx, c.cfg.ServerAddr)
	cancel()
	if err != nil {
		zap.L().Error("connect failed", zap.String("server", c.cfg.ServerAddr), zap.Error(err))
		c.failSession(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
		return
	}
	conn := stream.New(tc)
	defer func() { _ = conn.Close() }()

	inbound := make(chan *protocol.Envelope, 16)
	go readLoop(conn, inbound, done)

	if !c.register(conn, inbound, stopCh, name) {
		return
	}
	c.setState(Registered)
	zap.L().Info("registered", zap.String("node", name), zap.String("server", c.cfg.ServerAddr))

	awaiting := c.establishIntents(conn, name)
	if len(awaiting) == 0 {
		c.setState(Active)
	}

	hb := time.NewTicker(c.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-stopCh:
			c.unregister(conn, name)
			return

		case env, ok := <-inbound:
			if !ok {
				zap.L().Warn("connection lost", zap.String("node", name))
				c.failSession(protocol.ErrConnectionLost)
				return
			}
			c.dispatch(env, awaiting)

		case env := <-c.cmdCh:
			if err := conn.Send(env); err != nil {
				zap.L().Warn("connection lost", zap.String("node", name), zap.Error(err))
				c.failSession(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
				return
			}

		case <-c.out.notify:
			for {
				e, ok := c.out.pop()
				if !ok {
					break
				}
				if err := conn.Send(e); err != nil {
					zap.L().Warn("connection lost", zap.String("node", name), zap.Error(err))
					c.failSession(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
					return
				}
			}

		case <-hb.C:
			env, err := protocol.NewControl(protocol.MsgHeartbeat, name, [16]byte{},
				protocol.Heartbeat{Name: name})
			if err == nil {
				if err := conn.Send(env); err != nil {
					zap.L().Warn("connection lost", zap.String("node", name), zap.Error(err))
					c.failSession(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
					return
				}
			}
		}
	}
}

// readLoop feeds inbound envelopes to the run goroutine. Malformed frames
// are rejected without killing the session; transport errors close the
// channel.
func readLoop(conn *stream.Conn, inbound chan<- *protocol.Envelope, done <-chan struct{}) {
	defer close(inbound)
	for {
		env, err := conn.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				zap.L().Warn("malformed frame from server", zap.Error(err))
				continue
			}
			return
		}
		select {
		case inbound <- env:
		case <-done:
			return
		}
	}
}

// register performs the REGISTER handshake. Returns false when the session
// must end; the failure is logged and recorded for Err().
func (c *Client) register(conn *stream.Conn, inbound <-chan *protocol.Envelope, stopCh <-chan struct{}, name string) bool {
	corr, err := protocol.NewCorrelation()
	if err != nil {
		c.failSession(err)
		return false
	}
	endpoints := []string{conn.Transport().LocalAddr().String()}
	env, err := protocol.NewControl(protocol.MsgRegister, name, corr,
		protocol.Register{Name: name, Endpoints: endpoints})
	if err != nil {
		c.failSession(err)
		return false
	}
	if err := conn.Send(env); err != nil {
		zap.L().Error("register send failed", zap.String("node", name), zap.Error(err))
		c.failSession(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
		return false
	}

	deadline := time.NewTimer(c.cfg.RequestTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-stopCh:
			return false
		case <-deadline.C:
			zap.L().Error("registration timed out", zap.String("node", name))
			c.failSession(protocol.ErrTimeout)
			return false
		case rep, ok := <-inbound:
			if !ok {
				zap.L().Error("connection lost during registration", zap.String("node", name))
				c.failSession(protocol.ErrConnectionLost)
				return false
			}
			if rep.Correlation != corr {
				continue
			}
			switch rep.Type {
			case protocol.MsgRegisterOK:
				return true
			case protocol.MsgError:
				var er protocol.ErrorReply
				if err := protocol.UnmarshalControl(rep.Payload, &er); err != nil {
					c.failSession(err)
					return false
				}
				cause := protocol.KindToErr(er.Kind)
				zap.L().Error("registration rejected",
					zap.String("node", name), zap.String("kind", er.Kind))
				c.failSession(cause)
				return false
			}
		}
	}
}

// establishIntents replays subscriptions and advertisements recorded before
// or between sessions. Returns the topics still awaiting their SubscribeOK.
func (c *Client) establishIntents(conn *stream.Conn, name string) map[string]struct{} {
	c.mu.Lock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	advs := make([]string, 0, len(c.advertised))
	for t := range c.advertised {
		advs = append(advs, t)
	}
	c.mu.Unlock()

	awaiting := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		env, err := protocol.NewControl(protocol.MsgSubscribe, name, [16]byte{}, protocol.Subscribe{Topic: t})
		if err != nil {
			continue
		}
		if err := conn.Send(env); err != nil {
			zap.L().Warn("subscribe send failed", zap.String("topic", t), zap.Error(err))
			return awaiting
		}
		awaiting[t] = struct{}{}
	}
	for _, t := range advs {
		env, err := protocol.NewControl(protocol.MsgAdvertise, name, [16]byte{}, protocol.Advertise{Topic: t})
		if err != nil {
			continue
		}
		if err := conn.Send(env); err != nil {
			zap.L().Warn("advertise send failed", zap.String("topic", t), zap.Error(err))
			return awaiting
		}
	}
	return awaiting
}

// dispatch routes one inbound envelope: correlated replies to their waiting
// caller, subscription acks to the session state machine, publishes to the
// topic handlers.
func (c *Client) dispatch(env *protocol.Envelope, awaiting map[string]struct{}) {
	if env.Correlation != ([16]byte{}) {
		c.pendingMu.Lock()
		ch := c.pending[env.Correlation]
		delete(c.pending, env.Correlation)
		c.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	switch env.Type {
	case protocol.MsgPublish:
		c.mu.Lock()
		hs := append([]Handler(nil), c.handlers[env.Topic]...)
		c.mu.Unlock()
		for _, h := range hs {
			h(env)
		}

	case protocol.MsgSubscribeOK:
		var ack protocol.SubscribeOK
		if err := protocol.UnmarshalControl(env.Payload, &ack); err != nil {
			zap.L().Warn("bad subscribe ack", zap.Error(err))
			return
		}
		delete(awaiting, ack.Topic)
		c.mu.Lock()
		if len(awaiting) == 0 && c.state == Registered {
			c.state = Active
		}
		c.mu.Unlock()

	case protocol.MsgError:
		var er protocol.ErrorReply
		if err := protocol.UnmarshalControl(env.Payload, &er); err == nil {
			zap.L().Warn("server error", zap.String("kind", er.Kind), zap.String("detail", er.Detail))
		}

	default:
		zap.L().Debug("unexpected frame", zap.String("kind", protocol.KindName(env.Type)))
	}
}

// unregister is the graceful goodbye on shutdown; failures are irrelevant,
// the server reaps silent nodes anyway.
func (c *Client) unregister(conn *stream.Conn, name string) {
	env, err := protocol.NewControl(protocol.MsgUnregister, name, [16]byte{}, protocol.Unregister{Name: name})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
