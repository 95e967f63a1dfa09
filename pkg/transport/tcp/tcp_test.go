package tcp

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

func TestDialSendRecv(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		b, err := c.Recv()
		if err != nil {
			return
		}
		_ = c.Send(b)
		_ = c.Close()
	}()

	c, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	msg := []byte("ping")
	if err := c.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: %q", got)
	}
}

func TestListenerCloseConcurrent(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	// owner and ctx watcher race to close the same listener
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Close()
		}()
	}
	cancel()
	wg.Wait()

	if _, err := l.Accept(context.Background()); err == nil {
		t.Fatalf("accept on closed listener succeeded")
	}
}
