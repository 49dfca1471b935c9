package telemetry

import (
	"errors"
	"sync"
	"time"
)

// region is the in-process stand-in for an OS-named shared memory mapping
// plus its auto-reset event: a byte buffer and a capacity-1 channel.
// Sending to a full channel is a no-op, which gives the channel the same
// "releases at most one waiter, consumed by the next successful wait"
// auto-reset semantics as a real named OS event.
type region struct {
	mu     sync.Mutex
	buf    []byte
	signal chan struct{}
	refs   int
}

// Registry is a process-wide table of named regions, modeling the
// namespace an OS file-mapping API would otherwise provide. The zero
// value is not usable; use NewRegistry.
type Registry struct {
	mu      sync.Mutex
	regions map[string]*region
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]*region)}
}

// Default is the Registry cmd/source and cmd/target share when no other
// backend is configured.
var Default = NewRegistry()

// Open implements Opener. It returns a Kind-Unavailable Error when name
// has not (yet) been Created — the normal, recoverable "session hasn't
// started" condition a Source's attach loop retries through.
func (r *Registry) Open(name string) (Provider, error) {
	r.mu.Lock()
	reg, ok := r.regions[name]
	r.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: KindUnavailable, Op: "open " + name}
	}

	reg.mu.Lock()
	reg.refs++
	reg.mu.Unlock()
	return &mockProvider{registry: r, name: name, region: reg}, nil
}

// Create implements Creator. It exclusively (re-)creates the named region
// at size bytes, unsignalled.
func (r *Registry) Create(name string, size int) (Provider, error) {
	if size <= 0 {
		return nil, &Error{Kind: KindFailed, Op: "create " + name, Err: errors.New("region size must be positive")}
	}

	reg := &region{
		buf:    make([]byte, size),
		signal: make(chan struct{}, 1),
		refs:   1,
	}

	r.mu.Lock()
	r.regions[name] = reg
	r.mu.Unlock()

	return &mockProvider{registry: r, name: name, region: reg}, nil
}

// mockProvider is the Provider handle Registry.Open/Create hand back.
type mockProvider struct {
	registry *Registry
	name     string
	region   *region
	closed   bool
}

func (p *mockProvider) WaitForData(timeout time.Duration) bool {
	select {
	case <-p.region.signal:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *mockProvider) SignalDataReady() error {
	select {
	case p.region.signal <- struct{}{}:
	default:
		// A signal is already pending; auto-reset means at most one
		// waiter is released regardless of how many signals piled up.
	}
	return nil
}

func (p *mockProvider) AsRead() []byte  { return p.region.buf }
func (p *mockProvider) AsWrite() []byte { return p.region.buf }
func (p *mockProvider) Size() int       { return len(p.region.buf) }

func (p *mockProvider) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	p.region.mu.Lock()
	p.region.refs--
	refs := p.region.refs
	p.region.mu.Unlock()

	if refs <= 0 {
		p.registry.mu.Lock()
		delete(p.registry.regions, p.name)
		p.registry.mu.Unlock()
	}
	return nil
}
