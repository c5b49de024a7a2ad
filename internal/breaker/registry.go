package breaker

import (
	"sync"
	"time"
)

type key struct {
	account  string
	protocol string
}

// Registry hands out one breaker per (account, protocol) pair, created
// lazily. The registry mutex only guards the map; each breaker carries
// its own lock, so accounts never serialize each other.
type Registry struct {
	mu        sync.Mutex
	breakers  map[key]*Breaker
	threshold int
	recovery  time.Duration
}

// NewRegistry creates a registry whose breakers share the given
// threshold and recovery timeout.
func NewRegistry(threshold int, recovery time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[key]*Breaker),
		threshold: threshold,
		recovery:  recovery,
	}
}

// For returns the breaker for (account, protocol), creating it closed
// on first use.
func (r *Registry) For(account, protocol string) *Breaker {
	k := key{account: account, protocol: protocol}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[k]
	if !ok {
		b = New(r.threshold, r.recovery)
		r.breakers[k] = b
	}
	return b
}
