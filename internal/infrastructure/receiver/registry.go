package receiver

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// Opener builds a receiver for one URL of its scheme.
type Opener func(rawURL string) (ports.Receiver, error)

// Registry resolves input URLs to receivers by scheme.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry returns a registry with the testsrc scheme installed.
func NewRegistry() *Registry {
	r := &Registry{openers: make(map[string]Opener)}
	r.Register(TestSourceScheme, func(rawURL string) (ports.Receiver, error) {
		return NewTestSource(rawURL)
	})
	return r
}

// Register installs opener for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = opener
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.openers))
	for s := range r.openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

func (r *Registry) NewReceiver(rawURL string) (ports.Receiver, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("input url %q: %w", rawURL, domain.ErrUnsupportedScheme)
	}

	r.mu.RLock()
	opener, ok := r.openers[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("input %q: %w", u.Scheme, domain.ErrUnsupportedScheme)
	}
	return opener(rawURL)
}

var _ ports.ReceiverFactory = (*Registry)(nil)
