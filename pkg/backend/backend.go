// Package backend defines how a sweep's shards reach compute: a local worker
// pool, an on-premises batch scheduler or a cloud array-job queue.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/sweepbatch/pkg/models"
)

// ErrUnknown is returned by Registry.Get for an unregistered name
var ErrUnknown = errors.New("unknown backend")

// ErrDetached is returned by Wait on handles whose shards are tracked by an
// external scheduler.
var ErrDetached = errors.New("submission is detached; track it with the scheduler")

// Capacity feeds the partition plan
type Capacity struct {
	MaxShards        int
	MinUnitsPerShard int
	TargetShards     int
}

// Backend provisions compute and submits shards. Submit expects shard
// descriptors 0..shardCount-1 to be staged already.
type Backend interface {
	Name() string
	Capacity() Capacity
	Bootstrap(ctx context.Context) ([]models.BackendResource, error)
	Submit(ctx context.Context, shardCount int) (*Handle, error)
}

// Handle refers to a submitted set of shards
type Handle struct {
	Backend string
	IDs     []string
	Shards  int
	wait    func(ctx context.Context) error
}

// NewHandle creates a handle. A nil wait makes it detached.
func NewHandle(backend string, ids []string, shards int, wait func(ctx context.Context) error) *Handle {
	return &Handle{Backend: backend, IDs: ids, Shards: shards, wait: wait}
}

// Detached reports whether Wait is unsupported
func (h *Handle) Detached() bool {
	return h.wait == nil
}

// Wait blocks until all shards finished
func (h *Handle) Wait(ctx context.Context) error {
	if h.wait == nil {
		return ErrDetached
	}
	return h.wait(ctx)
}

// Factory builds a backend on demand
type Factory func() (Backend, error)

// Registry maps backend names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the backend registered under name
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return f()
}

// Names returns registered backend names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
