package hostadapter

import (
	"bufio"
	"io"
	"net"
	"os"
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

// SocketPath is the Unix-domain socket used on macOS/Linux (spec.md §4.8).
const SocketPath = "/tmp/kftray-helper.sock"

// NamedPipePath is the named pipe used on Windows.
const NamedPipePath = `\\.\pipe\kftray-helper`

// ListenAddress returns the transport address for the running platform.
func ListenAddress() string {
	if runtime.GOOS == "windows" {
		return NamedPipePath
	}
	return SocketPath
}

// Listen opens the platform transport at ListenAddress(): a Unix socket on
// macOS/Linux, a named pipe on Windows. On macOS/Linux it removes a stale
// socket file left behind by a previous, uncleanly terminated helper before
// binding.
func Listen() (net.Listener, error) {
	addr := ListenAddress()
	if runtime.GOOS != "windows" {
		_ = os.Remove(addr)
	}
	return listenTransport(addr)
}

// Helper is the privileged process that owns the network backend and serves
// Host Adapter requests over the newline-terminated JSON protocol
// (spec.md §4.8/§6).
type Helper struct {
	backend networkBackend
	pool    *addressPool

	mu        sync.Mutex
	addrLocks map[string]*sync.Mutex
}

// NewHelper constructs a Helper using the current platform's network backend.
func NewHelper() *Helper {
	return &Helper{
		backend:   newNetworkBackend(),
		pool:      newAddressPool(),
		addrLocks: make(map[string]*sync.Mutex),
	}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine.
func (h *Helper) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go h.handleConn(conn)
	}
}

func (h *Helper) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		var req Request
		if err := readFrame(reader, &req); err != nil {
			if err != io.EOF {
				klog.V(4).Infof("hostadapter: connection read error: %v", err)
			}
			return
		}

		resp := Response{RequestID: req.RequestID, Result: h.dispatch(req.Command)}
		if err := writeFrame(conn, resp); err != nil {
			klog.Warningf("hostadapter: failed to write response %s: %v", req.RequestID, err)
			return
		}
	}
}

func (h *Helper) dispatch(cmd Command) Result {
	switch cmd.Kind {
	case "Ping":
		return SuccessResult()
	case "Address":
		return h.dispatchAddress(*cmd.Address)
	case "Network":
		return h.dispatchNetwork(*cmd.Network)
	case "Service":
		return StringResult("ok")
	default:
		return ErrorResult("hostadapter: unknown command")
	}
}

func (h *Helper) dispatchAddress(cmd AddressCommand) Result {
	switch cmd.Op {
	case "Allocate":
		addr, err := h.pool.Allocate(cmd.ServiceName)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return StringResult(addr)
	case "Release":
		h.pool.Release(cmd.Address)
		return SuccessResult()
	case "List":
		return AllocationsResult(h.pool.Snapshot())
	default:
		return ErrorResult("hostadapter: unknown address command")
	}
}

func (h *Helper) dispatchNetwork(cmd NetworkCommand) Result {
	switch cmd.Op {
	case "Add":
		if err := ValidateLoopbackAddress(cmd.Address); err != nil {
			return ErrorResult(err.Error())
		}
		lock := h.addressLock(cmd.Address)
		lock.Lock()
		defer lock.Unlock()
		if err := h.backend.AddAlias(cmd.Address); err != nil {
			return ErrorResult(err.Error())
		}
		return SuccessResult()
	case "Remove":
		if err := ValidateLoopbackAddress(cmd.Address); err != nil {
			return ErrorResult(err.Error())
		}
		lock := h.addressLock(cmd.Address)
		lock.Lock()
		defer lock.Unlock()
		if err := h.backend.RemoveAlias(cmd.Address); err != nil {
			return ErrorResult(err.Error())
		}
		return SuccessResult()
	case "List":
		addrs, err := h.backend.ListAliases()
		if err != nil {
			return ErrorResult(err.Error())
		}
		return ListResult(addrs)
	default:
		return ErrorResult("hostadapter: unknown network command")
	}
}

func (h *Helper) addressLock(addr string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.addrLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		h.addrLocks[addr] = l
	}
	return l
}
