// Package hostadapter implements the Host Adapter (C8): loopback alias
// management, a shared address pool, and a hosts-file tagging scheme,
// fronted by a newline-terminated JSON protocol spoken to a privileged helper
// process (spec.md §4.8). Grounded on pkg/kubernetes-mcp-server
// cmd-level process bookkeeping, generalized from "exec kubectl" subprocess
// management into "exec ifconfig/ip/netsh" subprocess management.
package hostadapter

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidateLoopbackAddress enforces the address grammar from spec.md §4.8:
// four dotted octets, each 0..=255 without leading zeros, first octet 127.
func ValidateLoopbackAddress(addr string) error {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return fmt.Errorf("hostadapter: %q is not a dotted-quad address", addr)
	}

	for i, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return fmt.Errorf("hostadapter: %q has a malformed octet %q", addr, p)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("hostadapter: %q has an out-of-range octet %q", addr, p)
		}
		if i == 0 && n != 127 {
			return fmt.Errorf("hostadapter: %q does not start with 127", addr)
		}
	}
	return nil
}
