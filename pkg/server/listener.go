package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"

	unixPrefix = "unix:"
)

// ErrInvalidAddress is returned for listen addresses that are neither a
// socket path, a port, nor host:port.
var ErrInvalidAddress = errors.New("invalid listen address")

// ParseAddress classifies a listen address.
//
//   - "unix:/path" or any value containing "/" is a unix socket path
//   - "3000" is TCP port 3000 on all interfaces
//   - "host:port" is TCP
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, unixPrefix):
		path := strings.TrimPrefix(addr, unixPrefix)
		if path == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		return NetworkUnix, path, nil
	case strings.Contains(addr, "/"):
		return NetworkUnix, addr, nil
	}

	if _, err := parsePort(addr); err == nil {
		return NetworkTCP, ":" + addr, nil
	}

	_, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if _, err := parsePort(port); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidAddress, addr, err)
	}
	return NetworkTCP, addr, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// Listen opens the socket described by l.
func (l Listener) Listen() (net.Listener, error) {
	network, addr, err := ParseAddress(l.Address)
	if err != nil {
		return nil, err
	}
	backlog := l.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	switch network {
	case NetworkUnix:
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
		ln, err := listenUnix(addr, backlog)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on unix socket %q: %w", addr, err)
		}
		return ln, nil
	default:
		ln, err := listenTCP(addr, backlog, l.TCPNoPush)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on tcp %q: %w", addr, err)
		}
		return ln, nil
	}
}

// OpenListeners opens every configured listener. If one fails, the ones
// already opened are closed.
func OpenListeners(listeners []Listener) ([]net.Listener, error) {
	opened := make([]net.Listener, 0, len(listeners))
	for _, l := range listeners {
		ln, err := l.Listen()
		if err != nil {
			for _, o := range opened {
				o.Close() //nolint:errcheck // already failing
			}
			return nil, err
		}
		opened = append(opened, ln)
	}
	return opened, nil
}

// removeStaleSocket deletes a leftover socket file nobody is accepting on.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%q exists and is not a socket", path)
	}

	conn, err := net.DialTimeout(NetworkUnix, path, time.Second)
	if err == nil {
		conn.Close() //nolint:errcheck // probe only
		return fmt.Errorf("unix socket %q is in use", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket %q: %w", path, err)
	}
	return nil
}
