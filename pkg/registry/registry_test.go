package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"simbus/pkg/protocol"
)

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("veh1", nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("veh1", nil); !errors.Is(err, protocol.ErrDuplicateName) {
		t.Fatalf("want ErrDuplicateName, got %v", err)
	}
}

func TestNameReusableAfterUnregister(t *testing.T) {
	r := New()
	if err := r.Register("veh1", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister("veh1")
	r.Unregister("veh1") // idempotent
	if err := r.Register("veh1", nil); err != nil {
		t.Fatalf("re-register after release: %v", err)
	}
}

func TestConcurrentRegisterSnapshot(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("node-%02d", i), nil)
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != n {
		t.Fatalf("snapshot has %d entries, want %d", len(snap), n)
	}
	seen := make(map[string]bool)
	for i, ni := range snap {
		if seen[ni.Name] {
			t.Fatalf("duplicate entry %q", ni.Name)
		}
		seen[ni.Name] = true
		if i > 0 && snap[i-1].Name >= ni.Name {
			t.Fatalf("snapshot not ordered at %d: %q >= %q", i, snap[i-1].Name, ni.Name)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	_ = r.Register("veh1", []string{"tcp://a:1"})
	snap := r.Snapshot()
	snap[0].Endpoints[0] = "mutated"
	snap2 := r.Snapshot()
	if snap2[0].Endpoints[0] != "tcp://a:1" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestTouchAndExpire(t *testing.T) {
	r := New()
	_ = r.Register("stale", nil)
	_ = r.Register("fresh", nil)

	time.Sleep(20 * time.Millisecond)
	if !r.Touch("fresh") {
		t.Fatalf("touch of live node failed")
	}
	if r.Touch("ghost") {
		t.Fatalf("touch of unknown node succeeded")
	}

	dead := r.Expire(time.Now().Add(-10 * time.Millisecond))
	if len(dead) != 1 || dead[0] != "stale" {
		t.Fatalf("expired %v, want [stale]", dead)
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d nodes after expire", r.Len())
	}
	// reaped name is reusable
	if err := r.Register("stale", nil); err != nil {
		t.Fatalf("register after expire: %v", err)
	}
}
