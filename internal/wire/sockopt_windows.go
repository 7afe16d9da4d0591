//go:build windows

package wire

import "syscall"

// setSocketBuffers is the Windows counterpart of sockopt_unix.go: same
// rcvBufSocketBytes target, via a Handle rather than a raw fd.
func setSocketBuffers(network, address string, c syscall.RawConn) error {
	var seterr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, rcvBufSocketBytes); e != nil {
			seterr = e
		}
	})
	if err != nil {
		return err
	}
	return seterr
}
