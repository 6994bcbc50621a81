// Package broker obtains, pools and renews portforward byte streams to pods
// (spec.md §4.3, C3). One logical stream per (context, namespace, pod, port)
// is maintained by binding a client-go portforward.PortForwarder to an
// ephemeral loopback port; a lease is simply a local TCP dial into that
// forwarder, which itself owns one SPDY stream pair per accepted connection.
// Grounded on pkg/kubernetes/portforward.go's spdy.RoundTripperFor,
// spdy.NewDialer and portforward.New usage, generalized from a single call
// into a pooled, keyed registry.
package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/metrics"
	"github.com/hcavarsan/kftray/internal/model"
)

// Pool caps, spec.md §4.3.
const (
	GlobalCap = 200
	PerKeyCap = 100
)

// handle is the broker's registry entry for one StreamKey: an ephemeral
// local listener fed by a client-go PortForwarder, plus a semaphore bounding
// concurrent leases against it.
type handle struct {
	key         model.StreamKey
	localAddr   string
	stopChan    chan struct{}
	readyChan   chan struct{}
	generation  uint64
	poisoned    bool
	leaseSem    chan struct{}
	mu          sync.Mutex
}

// Broker is the registry of stream handles keyed by (context, ns, pod, port).
// Streams carry a StreamKey, never a back-pointer to the broker (spec.md §9
// "index + registry" redesign).
type Broker struct {
	globalSem chan struct{}

	mu       sync.Mutex
	handles  map[model.StreamKey]*handle
	generation uint64
}

// New constructs a Broker with the default global cap.
func New() *Broker {
	return &Broker{
		globalSem: make(chan struct{}, GlobalCap),
		handles:   make(map[model.StreamKey]*handle),
	}
}

// Lease is a single client's tenure of a broker stream (spec.md glossary).
// Close releases both the per-key and global pool slots.
type Lease struct {
	conn net.Conn
	key  model.StreamKey
	b    *Broker
}

// Conn exposes the underlying bidirectional byte stream for this lease.
func (l *Lease) Conn() net.Conn { return l.conn }

// Close releases the lease's pool slots. It does not tear down the
// underlying handle; only Poison does that.
func (l *Lease) Close() error {
	err := l.conn.Close()
	l.b.releaseSlot(l.key)
	metrics.StreamLeasesActive.Dec()
	return err
}

// Acquire obtains a lease for key, creating the handle (and its underlying
// PortForwarder) on first use. Acquisition observes ctx cancellation and
// serves waiters FIFO per key via a buffered channel semaphore, which Go's
// runtime already wakes in roughly send order (spec.md §4.3, §5).
func (b *Broker) Acquire(ctx context.Context, cfg *rest.Config, key model.StreamKey) (*Lease, error) {
	select {
	case b.globalSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h, err := b.getOrCreateHandle(ctx, cfg, key)
	if err != nil {
		<-b.globalSem
		return nil, err
	}

	select {
	case h.leaseSem <- struct{}{}:
	case <-ctx.Done():
		<-b.globalSem
		return nil, ctx.Err()
	}

	conn, err := net.Dial("tcp", h.localAddr)
	if err != nil {
		<-h.leaseSem
		<-b.globalSem
		b.Poison(key, err)
		return nil, &model.StreamError{Key: key, Err: err}
	}

	metrics.StreamLeasesActive.Inc()
	return &Lease{conn: conn, key: key, b: b}, nil
}

func (b *Broker) releaseSlot(key model.StreamKey) {
	b.mu.Lock()
	h, ok := b.handles[key]
	b.mu.Unlock()
	if ok {
		select {
		case <-h.leaseSem:
		default:
		}
	}
	select {
	case <-b.globalSem:
	default:
	}
}

func (b *Broker) getOrCreateHandle(ctx context.Context, cfg *rest.Config, key model.StreamKey) (*handle, error) {
	b.mu.Lock()
	if h, ok := b.handles[key]; ok && !h.poisoned {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	h, err := b.dial(ctx, cfg, key)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.handles[key] = h
	b.mu.Unlock()

	return h, nil
}

// dial creates a new PortForwarder bound to an ephemeral loopback port for
// key and waits for it to become ready.
func (b *Broker) dial(ctx context.Context, cfg *rest.Config, key model.StreamKey) (*handle, error) {
	transport, upgrader, err := spdy.RoundTripperFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("spdy transport: %w", err)
	}

	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/portforward", key.Namespace, key.Pod)
	u, err := url.Parse(cfg.Host + path)
	if err != nil {
		return nil, err
	}

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, u)

	stopChan := make(chan struct{})
	readyChan := make(chan struct{}, 1)

	fw, err := portforward.New(dialer, []string{fmt.Sprintf("0:%d", key.Port)}, stopChan, readyChan, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("new portforwarder: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- fw.ForwardPorts()
	}()

	select {
	case <-readyChan:
	case err := <-errChan:
		close(stopChan)
		return nil, fmt.Errorf("portforward failed before ready: %w", err)
	case <-ctx.Done():
		close(stopChan)
		return nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		close(stopChan)
		return nil, fmt.Errorf("portforward: no bound local port: %w", err)
	}

	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	klog.V(3).Infof("broker: opened stream %+v on 127.0.0.1:%d (generation %d)", key, ports[0].Local, gen)

	return &handle{
		key:        key,
		localAddr:  fmt.Sprintf("127.0.0.1:%d", ports[0].Local),
		stopChan:   stopChan,
		readyChan:  readyChan,
		generation: gen,
		leaseSem:   make(chan struct{}, PerKeyCap),
	}, nil
}

// Poison marks the handle for key as broken and removes it from the
// registry; the next Acquire reconnects (spec.md §4.3, §7 StreamError).
func (b *Broker) Poison(key model.StreamKey, cause error) {
	b.mu.Lock()
	h, ok := b.handles[key]
	if ok {
		delete(b.handles, key)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	h.mu.Lock()
	h.poisoned = true
	h.mu.Unlock()

	close(h.stopChan)
	klog.Warningf("broker: poisoned stream %+v: %v", key, cause)
}

// Close tears down every handle; used by StopAll (spec.md §4.9).
func (b *Broker) Close() {
	b.mu.Lock()
	handles := make([]*handle, 0, len(b.handles))
	for k, h := range b.handles {
		handles = append(handles, h)
		delete(b.handles, k)
	}
	b.mu.Unlock()

	for _, h := range handles {
		close(h.stopChan)
	}
}
