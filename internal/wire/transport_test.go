package wire

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoadTransportDisablesHTTP2(t *testing.T) {
	tr := NewLoadTransport(8)
	assert.False(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, 8, tr.MaxIdleConnsPerHost)
	assert.NotNil(t, tr.TLSNextProto)
}

func TestNewLoadTransportWiresSocketBufferDialer(t *testing.T) {
	tr := NewLoadTransport(4)
	assert.NotNil(t, tr.DialContext, "DialContext must be set so setSocketBuffers runs on every dial")
	assert.Equal(t, 2<<20, rcvBufSocketBytes)
}

func TestNewProbeTransportIsIndependentFromLoadTransport(t *testing.T) {
	load := NewLoadTransport(4)
	probe := NewProbeTransport()
	assert.NotSame(t, load, probe)
	assert.Equal(t, 2, probe.MaxIdleConnsPerHost)
}

func TestSetDownloadHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/download", nil)
	SetDownloadHeaders(req)
	assert.Equal(t, "no-store", req.Header.Get("Cache-Control"))
	assert.Equal(t, "identity", req.Header.Get("Accept-Encoding"))
}

func TestSetUploadHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/upload", nil)
	SetUploadHeaders(req)
	assert.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", req.Header.Get("Cache-Control"))
}

func TestSetProbeHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/ping", nil)
	SetProbeHeaders(req)
	assert.Equal(t, "no-store", req.Header.Get("Cache-Control"))
}
