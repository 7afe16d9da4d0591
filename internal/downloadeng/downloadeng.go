// Package downloadeng implements DownloadEngine (C3): opens N persistent
// download streams and drains bodies into a byte sink at a paced rate.
// Grounded on uwn/throughput.go's download worker loop (GET, read into a
// fixed buffer, count bytes, loop until cancelled) but split out of the
// monolithic MeasureThroughput function into a standalone engine that only
// knows about streammgr and the wire contract, per §9's "inheritance-free
// polymorphism" redesign (a Direction-specific engine implementing a small
// open/drain/close capability rather than an if/else on isUpload).
package downloadeng

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/uwnlabs/bbcore/internal/pacing"
	"github.com/uwnlabs/bbcore/internal/streammgr"
	"github.com/uwnlabs/bbcore/internal/wire"
	"github.com/uwnlabs/bbcore/model"
)

// Options configures a download run.
type Options struct {
	URL             string
	StreamCount     int
	StaggerMinMs    int // initial stagger between stream starts (§4.3 ramp)
	StaggerMaxMs    int
	TargetBytesPerSec float64 // 0 disables pacing
	Logger          zerolog.Logger
}

// Engine drives a fixed set of GET streams against Options.URL.
type Engine struct {
	opts    Options
	streams *streammgr.Manager
	client  *http.Client
	bucket  *pacing.Bucket
}

// New creates an Engine sharing one HTTP/1.1 transport across its streams.
func New(streams *streammgr.Manager, opts Options) *Engine {
	if opts.StreamCount <= 0 {
		opts.StreamCount = model.FixedStreamCount
	}
	if opts.StaggerMinMs <= 0 {
		opts.StaggerMinMs = 50
	}
	if opts.StaggerMaxMs < opts.StaggerMinMs {
		opts.StaggerMaxMs = 100
	}

	transport := wire.NewLoadTransport(opts.StreamCount)
	client := &http.Client{Transport: transport}

	var bucket *pacing.Bucket
	if opts.TargetBytesPerSec > 0 {
		bucket = pacing.New(opts.TargetBytesPerSec)
	}

	return &Engine{opts: opts, streams: streams, client: client, bucket: bucket}
}

// ApplyBackoffFactor scales the engine's pacing target down by factor,
// applied by the App shell when a force_backoff control event fires for
// this direction (§4.6). A no-op if pacing was never enabled.
func (e *Engine) ApplyBackoffFactor(factor float64) {
	if e.bucket != nil {
		e.bucket.ScaleTarget(factor)
	}
}

// SetReserveFraction adjusts the pacing bucket's held-back fraction of
// capacity, raised by the App shell when live probe RTT is elevated so the
// latency probe keeps a share of bandwidth, lowered back down once RTT
// recovers (§4.5). A no-op if pacing was never enabled.
func (e *Engine) SetReserveFraction(frac float64) {
	if e.bucket != nil {
		e.bucket.SetReserveFraction(frac)
	}
}

// Run opens opts.StreamCount streams, staggered per §4.3, and blocks until
// ctx is cancelled or every stream's loop has exited. It never returns an
// error for expected cancellation; unexpected per-stream transport failures
// are logged and do not abort sibling streams (§4.3 "the engine does not
// auto-restart").
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.opts.StreamCount; i++ {
		i := i
		g.Go(func() error {
			if i > 0 {
				stagger := e.opts.StaggerMinMs + rand.Intn(e.opts.StaggerMaxMs-e.opts.StaggerMinMs+1)
				select {
				case <-time.After(time.Duration(stagger) * time.Millisecond):
				case <-gctx.Done():
					return nil
				}
			}
			e.runStream(gctx)
			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) runStream(ctx context.Context) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := e.streams.Register(model.DirDownload, cancel)
	defer e.streams.MarkDone(s)
	e.streams.Activate(s)

	buf := make([]byte, wire.ReadBufferSize)

	for {
		select {
		case <-streamCtx.Done():
			return
		default:
		}

		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, e.opts.URL, nil)
		if err != nil {
			return
		}
		wire.SetDownloadHeaders(req)

		resp, err := e.client.Do(req)
		if err != nil {
			if streamCtx.Err() != nil {
				return // expected: TransportCancelled
			}
			e.opts.Logger.Warn().Err(err).Int64("stream_id", s.ID()).Msg("download transport failed")
			return
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			e.opts.Logger.Warn().Int("status", resp.StatusCode).Int64("stream_id", s.ID()).Msg("download non-200 response")
			return
		}

		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if e.bucket != nil {
					e.bucket.Wait(n, streamCtx.Done())
				}
				e.streams.RecordBytes(s, int64(n))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				resp.Body.Close()
				if streamCtx.Err() == nil {
					e.opts.Logger.Warn().Err(err).Int64("stream_id", s.ID()).Msg("download transport failed")
				}
				return
			}
			select {
			case <-streamCtx.Done():
				resp.Body.Close()
				return
			default:
			}
		}
		resp.Body.Close()
		// Body exhausted (e.g. a ?size=N-capped response): immediately open
		// a fresh GET to keep the stream saturated, matching an "unbounded"
		// download body in spirit.
	}
}
