// Package udpforward binds a UDP socket and frames datagragms over a TCP pod
// stream using length-prefixed records (spec.md §4.5, C5). Grounded on the
// same broker.Lease plumbing as tcpforward, generalized from
// single-protocol (TCP-only) portforward.go to add a datagram framing layer.
package udpforward

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/broker"
	"github.com/hcavarsan/kftray/internal/model"
	"github.com/hcavarsan/kftray/internal/resolver"

	"k8s.io/client-go/kubernetes"
)

// stopChContext adapts a stop channel to a context.Context, cancelled when
// the channel is closed.
func stopChContext(stopCh <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancel()
	}()
	return ctx
}

// MaxDatagramSize is the largest UDP payload accepted, matching the IPv4
// practical ceiling exercised by the framing-correctness property (spec.md §8).
const MaxDatagramSize = 65507

// Options configures one UDP forwarder instance.
type Options struct {
	Config     model.Configuration
	RestConfig *rest.Config
	Broker     *broker.Broker
	Resolver   *resolver.Resolver
	Clientset  kubernetes.Interface
}

// Forwarder runs one configuration's UDP<->TCP-stream bridge.
type Forwarder struct {
	opts Options
	conn *net.UDPConn

	peer atomic.Pointer[net.UDPAddr]

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New binds the local UDP socket for cfg.
func New(opts Options) (*Forwarder, error) {
	addr := opts.Config.LocalAddress
	if addr == "" {
		addr = "127.0.0.1"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, opts.Config.LocalPort))
	if err != nil {
		return nil, &model.LocalBindError{Address: fmt.Sprintf("%s:%d", addr, opts.Config.LocalPort), Err: err}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &model.LocalBindError{Address: udpAddr.String(), Err: err}
	}

	return &Forwarder{opts: opts, conn: conn, stopCh: make(chan struct{})}, nil
}

// BoundPort returns the actually bound local UDP port.
func (f *Forwarder) BoundPort() int {
	return f.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run leases a broker stream and pumps datagrams in both directions until
// Stop is called or a framing error tears the forward down (spec.md §4.5).
func (f *Forwarder) Run() error {
	req := resolver.Request{
		Selector:  f.opts.Config.Selector,
		Namespace: f.opts.Config.Namespace,
		Port:      fmt.Sprintf("%d", f.opts.Config.RemotePort),
	}

	target, err := f.opts.Resolver.Resolve(stopChContext(f.stopCh), f.opts.Clientset, req)
	if err != nil {
		return err
	}

	key := model.StreamKey{
		Context:   f.opts.Config.Context,
		Namespace: target.Namespace,
		Pod:       target.PodName,
		Port:      target.PodPort,
	}

	lease, err := f.opts.Broker.Acquire(stopChContext(f.stopCh), f.opts.RestConfig, key)
	if err != nil {
		return err
	}
	defer lease.Close()

	f.wg.Add(2)
	errCh := make(chan error, 2)

	go func() {
		defer f.wg.Done()
		errCh <- f.pumpUDPToStream(lease.Conn())
	}()
	go func() {
		defer f.wg.Done()
		errCh <- f.pumpStreamToUDP(lease.Conn())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			klog.Errorf("udpforward: framing error, tearing down forward %s: %v", f.opts.Config.Alias, err)
			f.opts.Broker.Poison(key, err)
		}
		f.Stop()
		return err
	case <-f.stopCh:
		return nil
	}
}

// pumpUDPToStream reads datagrams from the local socket, remembers the peer
// and writes a 4-byte big-endian length prefix followed by the payload to
// the TCP pod stream (spec.md §4.5 outbound).
func (f *Forwarder) pumpUDPToStream(stream net.Conn) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		n, peer, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosed(f.stopCh) {
				return nil
			}
			return err
		}

		f.peer.Store(peer)

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(n))
		if _, err := stream.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			return err
		}
	}
}

// pumpStreamToUDP reads a length then payload of that length from the TCP
// pod stream and delivers it to the remembered peer; datagrams with no
// remembered peer are dropped with a trace log (spec.md §4.5 inbound).
func (f *Forwarder) pumpStreamToUDP(stream net.Conn) error {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(stream, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(hdr[:])
		if size > MaxDatagramSize {
			return fmt.Errorf("udpforward: frame size %d exceeds maximum %d", size, MaxDatagramSize)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(stream, payload); err != nil {
			return err
		}

		peer := f.peer.Load()
		if peer == nil {
			klog.V(4).Infof("udpforward: dropping inbound datagram with no remembered peer for %s", f.opts.Config.Alias)
			continue
		}

		if _, err := f.conn.WriteToUDP(payload, peer); err != nil {
			klog.Warningf("udpforward: write to peer %s failed: %v", peer, err)
		}
	}
}

// Stop closes the local socket and signals both pump goroutines to exit.
func (f *Forwarder) Stop() {
	f.closeOnce.Do(func() {
		close(f.stopCh)
		f.conn.Close()
	})
	f.wg.Wait()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
