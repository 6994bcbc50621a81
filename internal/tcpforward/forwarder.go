// Package tcpforward binds a local listener, accepts clients and splices
// them to broker streams with cancellation and idle timeouts (spec.md §4.4,
// C4). Grounded on pkg/mcp/portforward.go's accept/lease
// bookkeeping (activePortForwards map, per-forward stop channel), generalized
// from an MCP tool handler into a standing TCP proxy loop.
package tcpforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/broker"
	"github.com/hcavarsan/kftray/internal/metrics"
	"github.com/hcavarsan/kftray/internal/model"
	"github.com/hcavarsan/kftray/internal/resolver"
)

// IdleTimeout is the per-direction idle read timeout, spec.md §4.4/§5.
const IdleTimeout = 600 * time.Second

// DrainDeadline bounds how long Stop waits for in-flight connections to
// return after their context is cancelled, spec.md §4.4/§5. Stop does not
// close connections that are still running when it elapses.
const DrainDeadline = 5 * time.Second

// Observer optionally wraps a connection's two directions for HTTP logging
// (C6). A nil Observer means raw splicing.
type Observer interface {
	// Wrap returns replacement reader/writer pairs that tee traffic to the
	// HTTP log while still delivering the original bytes unmodified, plus a
	// finalize func the caller must invoke once the connection closes so any
	// message still in progress gets logged.
	// traceNamespace is "configID:localPort", identifying the log file.
	Wrap(ctx context.Context, traceNamespace string, client io.ReadWriter, upstream io.ReadWriter) (clientSide, upstreamSide io.ReadWriter, finalize func())
}

// TLSWrapper optionally terminates TLS on the client side of the listener
// (C7). A nil TLSWrapper means plaintext.
type TLSWrapper interface {
	WrapListener(net.Listener, string) (net.Listener, error)
}

// Options configures one forwarder instance.
type Options struct {
	Config       model.Configuration
	RestConfig   *rest.Config
	Broker       *broker.Broker
	Resolver     *resolver.Resolver
	Clientset    kubernetes.Interface
	Observer     Observer
	TLS          TLSWrapper
	OnBoundPort  func(port int)
}

// Forwarder runs one configuration's TCP proxy loop.
type Forwarder struct {
	opts     Options
	listener net.Listener

	cancel context.CancelFunc
	ctx    context.Context

	wg        sync.WaitGroup
	inFlight  int64
	closeOnce sync.Once
}

// New binds the local listener for cfg and returns a Forwarder ready to Run.
func New(opts Options) (*Forwarder, error) {
	addr := opts.Config.LocalAddress
	if addr == "" {
		addr = "127.0.0.1"
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, opts.Config.LocalPort))
	if err != nil {
		return nil, &model.LocalBindError{Address: fmt.Sprintf("%s:%d", addr, opts.Config.LocalPort), Err: err}
	}

	if opts.TLS != nil {
		wrapped, err := opts.TLS.WrapListener(ln, opts.Config.Alias)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("tls wrap: %w", err)
		}
		ln = wrapped
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{opts: opts, listener: ln, ctx: ctx, cancel: cancel}

	if opts.OnBoundPort != nil {
		opts.OnBoundPort(ln.Addr().(*net.TCPAddr).Port)
	}

	return f, nil
}

// BoundPort returns the actually bound local port (important for
// local_port=0, spec.md §4.4).
func (f *Forwarder) BoundPort() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

// Run accepts connections until the forwarder is stopped.
func (f *Forwarder) Run() error {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() != nil {
				return nil
			}
			return err
		}

		f.wg.Add(1)
		atomic.AddInt64(&f.inFlight, 1)
		go func() {
			defer f.wg.Done()
			defer atomic.AddInt64(&f.inFlight, -1)
			f.handleConn(conn)
		}()
	}
}

// Stop cancels the accept loop and the context of every in-flight
// connection, waiting up to DrainDeadline for them to return (spec.md
// §4.4/§5). Connections still running after the deadline are left open.
func (f *Forwarder) Stop() {
	f.closeOnce.Do(func() {
		f.cancel()
		f.listener.Close()
	})

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(DrainDeadline):
		klog.Warningf("tcpforward: drain deadline exceeded for %s, leaving %d connections open", f.opts.Config.Alias, atomic.LoadInt64(&f.inFlight))
	}
}

func (f *Forwarder) handleConn(client net.Conn) {
	defer client.Close()

	gauge := metrics.ActiveForwards.WithLabelValues(f.opts.Config.Alias, "tcp")
	gauge.Inc()
	defer gauge.Dec()

	if tcpConn, ok := client.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	target, err := f.opts.Resolver.Resolve(f.ctx, f.opts.Clientset, f.targetRequest())
	if err != nil {
		klog.Errorf("tcpforward: resolve failed for %s: %v", f.opts.Config.Alias, err)
		return
	}

	key := model.StreamKey{
		Context:   f.opts.Config.Context,
		Namespace: target.Namespace,
		Pod:       target.PodName,
		Port:      target.PodPort,
	}

	lease, err := f.opts.Broker.Acquire(f.ctx, f.opts.RestConfig, key)
	if err != nil {
		klog.Errorf("tcpforward: lease failed for %s: %v", f.opts.Config.Alias, err)
		f.opts.Resolver.Invalidate(f.targetRequest())
		return
	}
	defer lease.Close()

	upstream := lease.Conn()

	var clientRW, upstreamRW io.ReadWriter = client, upstream
	var finalizeObserver func()
	if f.opts.Config.HTTPLogsEnabled && f.opts.Observer != nil {
		clientRW, upstreamRW, finalizeObserver = f.opts.Observer.Wrap(f.ctx, fmt.Sprintf("%d:%d", f.opts.Config.ID, f.BoundPort()), client, upstream)
	}

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	var clientToUpstreamErr, upstreamToClientErr error

	alias := f.opts.Config.Alias

	go func() {
		defer wg.Done()
		clientToUpstreamErr = copyIdle(ctx, upstreamRW, clientRW, key, alias, metrics.DirectionClientToUpstream)
		if tc, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		upstreamToClientErr = copyIdle(ctx, clientRW, upstreamRW, key, alias, metrics.DirectionUpstreamToClient)
		if tc, ok := client.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
	}()

	wg.Wait()

	if finalizeObserver != nil {
		finalizeObserver()
	}

	if clientToUpstreamErr != nil || upstreamToClientErr != nil {
		if isStreamFailure(clientToUpstreamErr) || isStreamFailure(upstreamToClientErr) {
			f.opts.Broker.Poison(key, errors.Join(clientToUpstreamErr, upstreamToClientErr))
		}
	}
}

func (f *Forwarder) targetRequest() resolver.Request {
	return resolver.Request{
		Selector:  f.opts.Config.Selector,
		Namespace: f.opts.Config.Namespace,
		Port:      fmt.Sprintf("%d", f.opts.Config.RemotePort),
	}
}

// copyIdle copies from src to dst, resetting an idle read deadline before
// every read and observing ctx cancellation (spec.md §4.4/§5: neither the
// per-forward token nor the idle timeout may starve the other).
func copyIdle(ctx context.Context, dst io.Writer, src io.ReadWriter, key model.StreamKey, alias, direction string) error {
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}

	counter := metrics.BytesTransferred.WithLabelValues(alias, direction)

	buf := make([]byte, 32*1024)
	d, canDeadline := src.(deadliner)
	if canDeadline {
		// Cancellation moves the read deadline to now so a blocked Read returns.
		stop := context.AfterFunc(ctx, func() { _ = d.SetReadDeadline(time.Now()) })
		defer stop()
	}
	for {
		if canDeadline {
			_ = d.SetReadDeadline(time.Now().Add(IdleTimeout))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := src.Read(buf)
		if n > 0 {
			counter.Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func isStreamFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF)
}
