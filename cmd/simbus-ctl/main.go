// simbus-ctl is the operator CLI: inspect the node directory, publish a test
// message, or watch a topic.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"simbus/pkg/client"
	"simbus/pkg/config"
	"simbus/pkg/protocol"
	"simbus/pkg/transport"
	"simbus/pkg/transport/quic"
	"simbus/pkg/transport/tcp"
)

func main() {
	addr := flag.String("addr", fmt.Sprintf("localhost:%d", config.DefaultPort), "bus address to connect to")
	kind := flag.String("transport", "tcp", "transport kind: tcp|quic")
	name := flag.String("name", "simbus-ctl", "node name for this session")
	timeout := flag.Duration("timeout", 5*time.Second, "control request timeout")
	list := flag.Bool("list", false, "list registered nodes")
	pub := flag.String("pub", "", "publish to this topic and exit")
	msg := flag.String("msg", "", "payload for -pub")
	watch := flag.String("watch", "", "print every message on this topic until interrupted")
	flag.Parse()

	tr, err := newTransport(*kind)
	if err != nil {
		fatalf("transport: %v", err)
	}

	c := client.New(client.Config{
		ServerAddr:     *addr,
		Name:           *name,
		Transport:      tr,
		RequestTimeout: *timeout,
	})
	defer c.Shutdown()

	if *watch != "" {
		err = c.Subscribe(*watch, func(e *protocol.Envelope) {
			fmt.Printf("[%s] %s #%d: %s\n",
				e.Timestamp.Format(time.RFC3339Nano), e.Sender, e.Sequence, string(e.Payload))
		})
		if err != nil {
			fatalf("subscribe: %v", err)
		}
	}

	if err := c.Connect(); err != nil {
		fatalf("connect: %v", err)
	}
	if !waitRegistered(c, *timeout) {
		fatalf("connect to %s failed: %v", *addr, c.Err())
	}

	switch {
	case *list:
		nodes, err := c.RequestListOfNodes()
		if err != nil {
			fatalf("list nodes: %v", err)
		}
		fmt.Println("Nodes:")
		for _, n := range nodes {
			fmt.Printf("- %s endpoints=%v\n", n.Name, n.Endpoints)
		}

	case *pub != "":
		if err := c.Publish(*pub, []byte(*msg)); err != nil {
			fatalf("publish: %v", err)
		}
		// give the fire-and-forget queue a moment to drain
		time.Sleep(100 * time.Millisecond)

	case *watch != "":
		fmt.Printf("watching %q; press Ctrl+C to exit\n", *watch)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func waitRegistered(c *client.Client, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		switch c.State() {
		case client.Registered, client.Active:
			return true
		case client.Disconnected:
			if c.Err() != nil {
				return false
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func newTransport(kind string) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New()
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", kind)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
