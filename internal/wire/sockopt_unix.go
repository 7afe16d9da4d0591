//go:build !windows

package wire

import "syscall"

// setSocketBuffers enlarges the receive buffer per rcvBufSocketBytes (see
// transport.go). Only RCVBUF is set; SNDBUF is left at the kernel default so
// upload byte counting via CountingReader stays accurate instead of being
// absorbed by an oversized send buffer.
func setSocketBuffers(network, address string, c syscall.RawConn) error {
	var seterr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, rcvBufSocketBytes); e != nil {
			seterr = e
		}
	})
	if err != nil {
		return err
	}
	return seterr
}
