package llm

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the set of configured providers, keyed by name, mirroring
// the gateway's provider registry but without health polling — the
// pipeline calls providers directly rather than routing between them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	semaphore chan struct{}
}

// NewRegistry builds a registry with a global concurrency cap shared across
// every provider call the pipeline makes, matching the bounded-parallelism
// requirement on LLM usage.
func NewRegistry(maxConcurrentCalls int) *Registry {
	if maxConcurrentCalls <= 0 {
		maxConcurrentCalls = 5
	}
	return &Registry{
		providers: make(map[string]Provider),
		semaphore: make(chan struct{}, maxConcurrentCalls),
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not registered", name)
	}
	return p, nil
}

// Acquire blocks until a concurrency slot is free or ctx is cancelled, and
// returns a release function. Every call site into a Provider should wrap
// its Generate call with this to respect the global LLM semaphore.
func (r *Registry) Acquire(ctx context.Context) (func(), error) {
	select {
	case r.semaphore <- struct{}{}:
		return func() { <-r.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
