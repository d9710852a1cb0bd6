//go:build !windows

package ipc

import (
	"net"
	"os"
)

// newListener binds a fresh unix domain socket, removing a stale file left
// behind by an unclean prior shutdown first, and narrows its permissions to
// the owning user.
func newListener(addr string) (net.Listener, error) {
	os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	os.Chmod(addr, 0600)
	return ln, nil
}
