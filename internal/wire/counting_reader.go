package wire

import "io"

// CountingReader wraps an io.Reader and invokes OnRead with the number of
// bytes returned by each successful Read, so callers can attribute bytes to
// a stream as they leave the wire rather than waiting for the whole body to
// be consumed. Adapted from the teacher's speedtest.CountingReader, which
// fed an atomic counter directly; here it takes a callback so StreamManager
// remains the only byte-counter owner (§9: one authoritative sampler).
type CountingReader struct {
	R      io.Reader
	OnRead func(n int)
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 && c.OnRead != nil {
		c.OnRead(n)
	}
	return n, err
}
