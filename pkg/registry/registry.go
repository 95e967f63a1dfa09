// Package registry is the server-side directory of live nodes. Node names
// are unique among currently registered nodes; a released name is reusable.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"simbus/pkg/protocol"
)

// NodeInfo describes one registered node. Snapshot returns copies, the
// registry's own records are never handed out.
type NodeInfo struct {
	Name          string
	Endpoints     []string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Registry guards all node records with a single lock; register is an atomic
// check-and-insert.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func New() *Registry { return &Registry{nodes: make(map[string]*NodeInfo)} }

// Register inserts a node record. Fails with ErrDuplicateName while the name
// is held by a live node.
func (r *Registry) Register(name string, endpoints []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; ok {
		return fmt.Errorf("%w: %q", protocol.ErrDuplicateName, name)
	}
	now := time.Now()
	r.nodes[name] = &NodeInfo{
		Name:          name,
		Endpoints:     append([]string(nil), endpoints...),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	zap.L().Info("node registered", zap.String("node", name), zap.Int("nodes", len(r.nodes)))
	return nil
}

// Unregister removes a node record. Idempotent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; !ok {
		return
	}
	delete(r.nodes, name)
	zap.L().Info("node unregistered", zap.String("node", name), zap.Int("nodes", len(r.nodes)))
}

// Touch refreshes the node's heartbeat and reports whether it is registered.
func (r *Registry) Touch(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return false
	}
	n.LastHeartbeat = time.Now()
	return true
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns an independent copy of all records, ordered by name.
// Safe to use while registration continues concurrently.
func (r *Registry) Snapshot() []NodeInfo {
	r.mu.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := *n
		c.Endpoints = append([]string(nil), n.Endpoints...)
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Expire removes every node whose heartbeat is older than cutoff and returns
// their names. Driven by the server's liveness sweeper.
func (r *Registry) Expire(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []string
	for name, n := range r.nodes {
		if n.LastHeartbeat.Before(cutoff) {
			dead = append(dead, name)
			delete(r.nodes, name)
		}
	}
	if len(dead) > 0 {
		sort.Strings(dead)
		zap.L().Warn("nodes expired", zap.Strings("nodes", dead), zap.Int("remaining", len(r.nodes)))
	}
	return dead
}
