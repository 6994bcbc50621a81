package hostadapter

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// releaseTimeout bounds how long a release request waits before the address
// is considered leaked (spec.md §4.8/§5).
const releaseTimeout = 3 * time.Second

// connectTimeout bounds the initial connection to the helper (spec.md §5).
const connectTimeout = 5 * time.Second

// Adapter is the client side of the Host Adapter protocol, dialing the
// privileged helper process for each call.
type Adapter struct {
	dial func() (net.Conn, error)
}

// NewAdapter returns an Adapter that dials addr (a Unix socket path or
// Windows named pipe) for every request.
func NewAdapter(addr string) *Adapter {
	return &Adapter{dial: func() (net.Conn, error) { return dialTransport(addr) }}
}

// AddLoopback reserves addr as a loopback alias at forward start.
func (a *Adapter) AddLoopback(addr string) error {
	_, err := a.call(NetworkCmd(NetworkCommand{Op: "Add", Address: addr}), 0)
	return err
}

// RemoveLoopback releases a loopback alias at forward stop. On timeout or
// helper error the address is considered leaked: cleanup proceeds and a
// warning is logged rather than failing the stop (spec.md §4.8).
func (a *Adapter) RemoveLoopback(addr string) {
	if _, err := a.call(NetworkCmd(NetworkCommand{Op: "Remove", Address: addr}), releaseTimeout); err != nil {
		klog.Warningf("hostadapter: leaked loopback alias %s: %v", addr, err)
	}
}

// ListLoopback returns the currently configured loopback aliases.
func (a *Adapter) ListLoopback() ([]string, error) {
	result, err := a.call(NetworkCmd(NetworkCommand{Op: "List"}), 0)
	if err != nil {
		return nil, err
	}
	return result.List, nil
}

// AllocateAddress requests (or reuses) an address for service from the
// shared pool.
func (a *Adapter) AllocateAddress(service string) (string, error) {
	result, err := a.call(AddressCmd(AddressCommand{Op: "Allocate", ServiceName: service}), 0)
	if err != nil {
		return "", err
	}
	return result.String, nil
}

// ReleaseAddress returns addr to the shared pool. As with RemoveLoopback,
// timeout or helper error is treated as a leak rather than a hard failure.
func (a *Adapter) ReleaseAddress(addr string) {
	if _, err := a.call(AddressCmd(AddressCommand{Op: "Release", Address: addr}), releaseTimeout); err != nil {
		klog.Warningf("hostadapter: leaked pool address %s: %v", addr, err)
	}
}

// Ping checks that the helper process is reachable, bounded by
// connectTimeout (spec.md §5 "Initial helper connect: 5 s").
func (a *Adapter) Ping() error {
	_, err := a.call(PingCommand(), connectTimeout)
	return err
}

func (a *Adapter) call(cmd Command, timeout time.Duration) (*Result, error) {
	req := Request{RequestID: uuid.NewString(), Command: cmd}

	conn, err := a.dial()
	if err != nil {
		return nil, fmt.Errorf("hostadapter: dial helper: %w", err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("hostadapter: write request: %w", err)
	}

	var resp Response
	if err := readFrame(bufio.NewReader(conn), &resp); err != nil {
		return nil, fmt.Errorf("hostadapter: read response: %w", err)
	}
	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("hostadapter: response request_id mismatch: got %s, want %s", resp.RequestID, req.RequestID)
	}
	if resp.Result.Kind == "Error" {
		return nil, fmt.Errorf("hostadapter: helper error: %s", resp.Result.Error)
	}
	return &resp.Result, nil
}
