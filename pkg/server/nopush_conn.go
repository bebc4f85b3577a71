//go:build linux || darwin || freebsd

package server

import (
	"fmt"
	"io"
	"net"
)

// noPushListener hands out corked connections that are pushed after every
// write. Without the push a kept-alive connection would hold a short
// response until the kernel's cork timer fires.
type noPushListener struct {
	net.Listener
}

func (l noPushListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return c, nil
	}
	// accepted sockets do not inherit the option on every platform
	if err := controlNoPush(tc, true); err != nil {
		return tc, nil
	}
	return &noPushConn{TCPConn: tc}, nil
}

type noPushConn struct {
	*net.TCPConn
}

func (c *noPushConn) Write(b []byte) (int, error) {
	n, err := c.TCPConn.Write(b)
	if err != nil {
		return n, err
	}
	return n, c.push()
}

func (c *noPushConn) ReadFrom(r io.Reader) (int64, error) {
	n, err := c.TCPConn.ReadFrom(r)
	if err != nil {
		return n, err
	}
	return n, c.push()
}

// push flushes what the cork held back and corks the socket again.
func (c *noPushConn) push() error {
	if err := controlNoPush(c.TCPConn, false); err != nil {
		return err
	}
	return controlNoPush(c.TCPConn, true)
}

func controlNoPush(tc *net.TCPConn, on bool) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = setNoPush(int(fd), on)
	}); err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("setsockopt nopush=%t: %w", on, serr)
	}
	return nil
}
