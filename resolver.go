package bbcore

import "context"

// ServerResolver discovers a test server's base URL ahead of a run. It is
// optional: callers that already know their server pass a bare URL to
// NewTest instead. Grounded on uwn/discovery.go's token-fetch/candidate-list/
// latency-selection shape, adapted into an injectable interface since the
// wire contract (§6) fixes only /download, /upload and the ping endpoint —
// not how a base URL gets chosen.
type ServerResolver interface {
	DiscoverServer(ctx context.Context) (string, error)
}

// ServerResolverFunc adapts a plain function to ServerResolver.
type ServerResolverFunc func(ctx context.Context) (string, error)

// DiscoverServer calls f.
func (f ServerResolverFunc) DiscoverServer(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticServer returns a ServerResolver that always resolves to url, for
// callers that already know their target.
func StaticServer(url string) ServerResolver {
	return ServerResolverFunc(func(context.Context) (string, error) {
		return url, nil
	})
}
