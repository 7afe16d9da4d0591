// Package wire builds HTTP transports and request headers for the fixed
// wire contract in spec §6. It is adapted from
// Ozark-Connect-NetworkOptimizer/src/cfspeedtest/speedtest's transport
// construction: HTTP/1.1 forced (one TCP connection per worker is easier to
// attribute bytes to than a multiplexed HTTP/2 stream), connection-reuse
// friendly pooling, and large socket buffers for high-BDP links.
package wire

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// ReadBufferSize is the chunk size DownloadEngine reads into.
const ReadBufferSize = 64 << 10

// rcvBufSocketBytes is the SO_RCVBUF size set on every load connection
// (sockopt_*.go), sized for high-BDP download links (e.g.
// satellite, ~1 MB BDP) rather than the OS default.
const rcvBufSocketBytes = 2 << 20

// NewLoadTransport builds a transport shared by all streams of one
// direction: connection pooling sized to the stream count, large
// read/write buffers, and HTTP/2 disabled so every stream gets its own
// TCP connection (required for per-stream byte attribution and for
// saturating multiple paths on multipath-capable links).
func NewLoadTransport(maxConns int) *http.Transport {
	t := &http.Transport{
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        maxConns + 4,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     30 * time.Second,
		WriteBufferSize:     256 << 10,
		ReadBufferSize:      256 << 10,
		DisableCompression:  true,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dialer.Control = setSocketBuffers
	t.DialContext = dialer.DialContext
	return t
}

// NewProbeTransport builds a small transport dedicated to the latency
// probe. It intentionally shares nothing with NewLoadTransport's pool —
// §4.6 requires the probe's transport be independent of the load so
// saturating I/O cannot starve it.
func NewProbeTransport() *http.Transport {
	return &http.Transport{
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
}

// SetDownloadHeaders applies the §6 headers for GET /download.
func SetDownloadHeaders(req *http.Request) {
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("X-Priority", "low")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "identity")
}

// SetUploadHeaders applies the §6 headers for POST /upload.
func SetUploadHeaders(req *http.Request) {
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Keep-Alive", "timeout=30, max=100")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Content-Type", "application/octet-stream")
}

// SetProbeHeaders applies headers for the latency-probe endpoint.
func SetProbeHeaders(req *http.Request) {
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept-Encoding", "identity")
}
