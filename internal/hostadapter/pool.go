package hostadapter

import (
	"fmt"
	"sync"
)

// poolBase is the first allocatable loopback octet after the well-known
// 127.0.0.1; 127.0.0.2 upward are handed out to services on request.
const poolBase = 2
const poolMax = 254

// addressPool hands out 127.0.0.x addresses to services, reclaiming them on
// release (spec.md §4.8 "AllocateAddress/ReleaseAddress backed by a shared
// pool").
type addressPool struct {
	mu        sync.Mutex
	next      int
	byService map[string]string
	inUse     map[string]bool
}

func newAddressPool() *addressPool {
	return &addressPool{
		next:      poolBase,
		byService: make(map[string]string),
		inUse:     make(map[string]bool),
	}
}

// Allocate returns the address already bound to service, or the next free
// address in the pool.
func (p *addressPool) Allocate(service string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.byService[service]; ok {
		return addr, nil
	}

	for n := poolBase; n <= poolMax; n++ {
		addr := fmt.Sprintf("127.0.0.%d", n)
		if !p.inUse[addr] {
			p.inUse[addr] = true
			p.byService[service] = addr
			return addr, nil
		}
	}
	return "", fmt.Errorf("hostadapter: address pool exhausted")
}

// Release frees addr, regardless of which service it was bound to.
func (p *addressPool) Release(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inUse, addr)
	for svc, a := range p.byService {
		if a == addr {
			delete(p.byService, svc)
		}
	}
}

// Snapshot returns the current service -> address bindings.
func (p *addressPool) Snapshot() []Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Allocation, 0, len(p.byService))
	for svc, addr := range p.byService {
		out = append(out, Allocation{ServiceName: svc, Address: addr})
	}
	return out
}
