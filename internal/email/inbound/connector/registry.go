package connector

import (
	"fmt"
	"sync"
)

// Registry resolves the fetcher for a mailbox by protocol.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry registers the given fetchers under their protocol names.
func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[string]Fetcher)}
	for _, f := range fetchers {
		r.Register(f)
	}
	return r
}

// DefaultRegistry carries the IMAP and POP3 fetchers with their defaults.
func DefaultRegistry() *Registry {
	return NewRegistry(NewIMAPFetcher(), NewPOP3Fetcher())
}

// Register adds or replaces a fetcher. Nil is ignored.
func (r *Registry) Register(f Fetcher) {
	if f == nil {
		return
	}
	r.mu.Lock()
	r.fetchers[normalizeType(f.Protocol())] = f
	r.mu.Unlock()
}

// For returns the fetcher serving mailbox.
func (r *Registry) For(mailbox Mailbox) (Fetcher, error) {
	if err := mailbox.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.fetchers[mailbox.Protocol()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for %s", mailbox.Protocol())
	}
	return f, nil
}
