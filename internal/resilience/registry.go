package resilience

import (
	"sort"
	"sync"
)

// AccountDependency names the health record of one account on an exchange.
func AccountDependency(exchange, accountID string) string {
	return exchange + "/" + accountID
}

// Registry hands out one Caller per dependency so each keeps its own
// backoff and health lock.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	callers map[string]*Caller
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		callers: make(map[string]*Caller),
	}
}

// Get returns the Caller for dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Caller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.callers[dependency]
	if !ok {
		c = NewCaller(dependency, r.opts)
		r.callers[dependency] = c
	}
	return c
}

// ForAccount returns the Caller for one account on exchange. Rejected
// credentials mark only the account; venue failures and recoveries go to
// the exchange's Caller, so accounts that disagree never flap it.
func (r *Registry) ForAccount(exchange, accountID string) *Caller {
	venue := r.Get(exchange)
	name := AccountDependency(exchange, accountID)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.callers[name]
	if !ok {
		c = NewCaller(name, r.opts)
		c.venue = venue
		r.callers[name] = c
	}
	return c
}

// Dependencies lists the dependencies seen so far.
func (r *Registry) Dependencies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.callers))
	for name := range r.callers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
