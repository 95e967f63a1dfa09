package server

import (
	"context"
	"testing"
	"time"

	"simbus/pkg/protocol"
	"simbus/pkg/protocol/stream"
	"simbus/pkg/transport/mem"
)

func dialAndRegister(t *testing.T, tr *mem.Transport, addr, name string) *stream.Conn {
	t.Helper()
	tc, err := tr.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := stream.New(tc)
	corr, err := protocol.NewCorrelation()
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	env, err := protocol.NewControl(protocol.MsgRegister, name, corr, protocol.Register{Name: name})
	if err != nil {
		t.Fatalf("encode register: %v", err)
	}
	if err := c.Send(env); err != nil {
		t.Fatalf("send register: %v", err)
	}
	rep, err := c.Recv()
	if err != nil {
		t.Fatalf("recv register reply: %v", err)
	}
	if rep.Type != protocol.MsgRegisterOK {
		t.Fatalf("register reply kind = %s", protocol.KindName(rep.Type))
	}
	return c
}

func TestCloseUnblocksLiveSessions(t *testing.T) {
	tr := mem.New()
	srv := New(tr, Options{HeartbeatInterval: time.Minute})
	if err := srv.Start(context.Background(), "bus"); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess := dialAndRegister(t, tr, "bus", "lingering")
	defer func() { _ = sess.Close() }()

	// a connection that never registers, parked before its first frame
	idle, err := tr.Dial(context.Background(), "bus")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = idle.Close() }()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return while sessions were open")
	}

	if _, err := sess.Recv(); err == nil {
		t.Fatalf("read on a session of a stopped server succeeded")
	}
}

func TestExpiredNameTakenOverWhileSocketOpen(t *testing.T) {
	tr := mem.New()
	srv := New(tr, Options{HeartbeatInterval: time.Minute})
	if err := srv.Start(context.Background(), "bus"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	a := dialAndRegister(t, tr, "bus", "n")
	defer func() { _ = a.Close() }()
	aErr := make(chan error, 1)
	go func() {
		_, err := a.Recv()
		aErr <- err
	}()

	// reap the registry entry while a's socket stays open
	if dead := srv.Registry().Expire(time.Now().Add(time.Hour)); len(dead) != 1 || dead[0] != "n" {
		t.Fatalf("expire = %v", dead)
	}

	b := dialAndRegister(t, tr, "bus", "n")
	defer func() { _ = b.Close() }()

	// the displaced session must be torn down, not leaked
	select {
	case err := <-aErr:
		if err == nil {
			t.Fatalf("displaced session read succeeded")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("displaced session was never closed")
	}

	// the takeover must not disturb the new session's broker membership
	corr, err := protocol.NewCorrelation()
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	sub, err := protocol.NewControl(protocol.MsgSubscribe, "n", corr, protocol.Subscribe{Topic: "t"})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := b.Send(sub); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	rep, err := b.Recv()
	if err != nil {
		t.Fatalf("recv subscribe reply: %v", err)
	}
	if rep.Type != protocol.MsgSubscribeOK {
		t.Fatalf("subscribe reply kind = %s", protocol.KindName(rep.Type))
	}

	pub := dialAndRegister(t, tr, "bus", "other")
	defer func() { _ = pub.Close() }()
	if err := pub.Send(&protocol.Envelope{Type: protocol.MsgPublish, Topic: "t", Payload: []byte("x")}); err != nil {
		t.Fatalf("send publish: %v", err)
	}
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("recv publish: %v", err)
	}
	if got.Type != protocol.MsgPublish || string(got.Payload) != "x" {
		t.Fatalf("delivery = kind %s payload %q", protocol.KindName(got.Type), got.Payload)
	}
}
