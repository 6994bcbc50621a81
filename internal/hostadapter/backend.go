package hostadapter

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// networkBackend adds/removes loopback aliases on the host's network stack.
// One implementation per platform, matching spec.md §4.8's "ifconfig/ip/netsh".
type networkBackend interface {
	AddAlias(addr string) error
	RemoveAlias(addr string) error
	ListAliases() ([]string, error)
}

// newNetworkBackend returns the backend for the running platform.
func newNetworkBackend() networkBackend {
	switch runtime.GOOS {
	case "darwin":
		return darwinBackend{}
	case "linux":
		return linuxBackend{}
	case "windows":
		return windowsBackend{}
	default:
		return noopBackend{}
	}
}

type darwinBackend struct{}

func (darwinBackend) AddAlias(addr string) error {
	return exec.Command("/sbin/ifconfig", "lo0", "alias", addr).Run()
}

func (darwinBackend) RemoveAlias(addr string) error {
	return exec.Command("/sbin/ifconfig", "lo0", "-alias", addr).Run()
}

func (darwinBackend) ListAliases() ([]string, error) {
	out, err := exec.Command("/sbin/ifconfig", "lo0").Output()
	if err != nil {
		return nil, err
	}
	return parseInetLines(string(out)), nil
}

type linuxBackend struct{}

func (linuxBackend) AddAlias(addr string) error {
	return exec.Command("/sbin/ip", "addr", "add", addr+"/32", "dev", "lo").Run()
}

func (linuxBackend) RemoveAlias(addr string) error {
	return exec.Command("/sbin/ip", "addr", "del", addr+"/32", "dev", "lo").Run()
}

func (linuxBackend) ListAliases() ([]string, error) {
	out, err := exec.Command("/sbin/ip", "addr", "show", "dev", "lo").Output()
	if err != nil {
		return nil, err
	}
	return parseInetLines(string(out)), nil
}

type windowsBackend struct{}

func (windowsBackend) AddAlias(addr string) error {
	return exec.Command("netsh", "interface", "ipv4", "add", "address", "Loopback", addr, "255.0.0.0").Run()
}

func (windowsBackend) RemoveAlias(addr string) error {
	return exec.Command("netsh", "interface", "ipv4", "delete", "address", "Loopback", addr).Run()
}

func (windowsBackend) ListAliases() ([]string, error) {
	out, err := exec.Command("netsh", "interface", "ipv4", "show", "addresses", "Loopback").Output()
	if err != nil {
		return nil, err
	}
	return parseInetLines(string(out)), nil
}

type noopBackend struct{}

func (noopBackend) AddAlias(string) error           { return fmt.Errorf("hostadapter: unsupported platform") }
func (noopBackend) RemoveAlias(string) error        { return fmt.Errorf("hostadapter: unsupported platform") }
func (noopBackend) ListAliases() ([]string, error)  { return nil, fmt.Errorf("hostadapter: unsupported platform") }

// parseInetLines extracts dotted-quad addresses from ifconfig/ip/netsh
// output lines mentioning "inet".
func parseInetLines(out string) []string {
	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") && !strings.HasPrefix(line, "inet6 ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[1]
		if idx := strings.IndexByte(addr, '/'); idx >= 0 {
			addr = addr[:idx]
		}
		if ValidateLoopbackAddress(addr) == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
