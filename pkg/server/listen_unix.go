//go:build linux || darwin || freebsd

package server

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func listenUnix(path string, backlog int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("bind: %w", err)
	}
	ln, err := fileListener(fd, backlog, path)
	if err != nil {
		return nil, err
	}
	// Listeners built from a file do not unlink their socket by default.
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return ln, nil
}

func listenTCP(addr string, backlog int, noPush bool) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr(NetworkTCP, addr)
	if err != nil {
		return nil, err
	}
	family, sa := tcpSockaddr(tcpAddr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if noPush {
		if err := setNoPush(fd, true); err != nil {
			unix.Close(fd) //nolint:errcheck // already failing
			return nil, fmt.Errorf("setsockopt nopush: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("bind: %w", err)
	}
	ln, err := fileListener(fd, backlog, addr)
	if err != nil || !noPush {
		return ln, err
	}
	return noPushListener{Listener: ln}, nil
}

// tcpSockaddr maps an unspecified host to 0.0.0.0.
func tcpSockaddr(a *net.TCPAddr) (int, unix.Sockaddr) {
	if a.IP == nil || a.IP.IsUnspecified() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: a.Port}
	}
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

// fileListener starts listening on fd and hands it to the net package.
// fd is closed in every case; the returned listener owns a duplicate.
func fileListener(fd, backlog int, name string) (net.Listener, error) {
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("listen: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return net.FileListener(f)
}
