//go:build darwin || freebsd

package server

import "golang.org/x/sys/unix"

func setNoPush(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NOPUSH, v)
}
