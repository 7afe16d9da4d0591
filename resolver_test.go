package bbcore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticServerAlwaysResolvesToTheSameURL(t *testing.T) {
	r := StaticServer("http://example.com")
	url, err := r.DiscoverServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://example.com", url)
}

func TestServerResolverFuncAdaptsPlainFunction(t *testing.T) {
	want := errors.New("discovery failed")
	r := ServerResolverFunc(func(ctx context.Context) (string, error) {
		return "", want
	})
	_, err := r.DiscoverServer(context.Background())
	assert.ErrorIs(t, err, want)
}
