//go:build !(linux || darwin || freebsd)

package server

import "net"

// Backlog and nopush are not configurable here; the platform defaults apply.
func listenUnix(path string, _ int) (net.Listener, error) {
	return net.Listen(NetworkUnix, path)
}

func listenTCP(addr string, _ int, _ bool) (net.Listener, error) {
	return net.Listen(NetworkTCP, addr)
}
