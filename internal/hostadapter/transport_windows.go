//go:build windows

package hostadapter

import (
	"net"

	winio "github.com/Microsoft/go-winio"
)

func dialTransport(addr string) (net.Conn, error) {
	return winio.DialPipe(addr, nil)
}

func listenTransport(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}
