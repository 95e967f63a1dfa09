package mem

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestDialAcceptRoundtrip(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := tr.Listen(ctx, "bus")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		srv, err := l.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		b, err := srv.Recv()
		if err != nil {
			done <- err
			return
		}
		done <- srv.Send(b)
	}()

	cli, err := tr.Dial(ctx, "bus")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msg := []byte("ping")
	if err := cli.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	echo, err := cli.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(echo, msg) {
		t.Fatalf("echo mismatch: %q", echo)
	}
	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestDialUnknownListener(t *testing.T) {
	tr := New()
	if _, err := tr.Dial(context.Background(), "nowhere"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestDuplicateListener(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tr.Listen(ctx, "bus"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(ctx, "bus"); err == nil {
		t.Fatalf("expected duplicate listener error")
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "bus")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept(context.Background())
		errCh <- err
	}()
	_ = l.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected accept error after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("accept did not unblock")
	}
}

func TestRecvUnblocksOnClose(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l, _ := tr.Listen(ctx, "bus")
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			_ = c.Close()
		}
	}()
	cli, err := tr.Dial(ctx, "bus")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := cli.Recv(); err == nil {
		t.Fatalf("expected recv error after peer close")
	}
}
