// Package fetcher implements the slice download orchestrator of the
// network: given a content transport and a slice, it splits the slice into
// protocol-sized chunks, fetches the chunks in parallel from the peers that
// hold the slice, and assembles them into slice storage inside a caller
// supplied deadline. Fallback server nodes are consulted only when the
// regular peers cannot meet the deadline.
package fetcher

import (
	"math"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/slicenetlabs/slicenetd/modules"
)

var (
	// errNilDialer is returned when a fetcher is created without a dialer.
	errNilDialer = errors.New("cannot create fetcher with nil dialer")

	// errNilTransport is returned when a download is requested with a nil
	// transport.
	errNilTransport = errors.New("cannot download slice with nil transport")

	// errNilCallback is returned when a download is requested without a
	// completion callback.
	errNilCallback = errors.New("cannot download slice without completion callback")

	// errInvalidDeadline is returned when the relative deadline is not
	// positive.
	errInvalidDeadline = errors.New("relative deadline must be positive")

	// errSliceTooLarge is returned when a slice exceeds the protocol's
	// 32 bit offset space.
	errSliceTooLarge = errors.New("slice size exceeds protocol offset space")
)

type (
	// DownloadCompleteFunc is the completion callback of a slice download.
	// It is invoked exactly once per accepted DownloadSlice call, from the
	// goroutine orchestrating the download, with the original transport
	// and slice. It must not block for long; a blocked callback stalls
	// that download's teardown.
	DownloadCompleteFunc func(result DownloadResult, transport modules.Transport, slice modules.Slice)

	// A Fetcher downloads slices from the peers of the network. It is the
	// module root: it owns the logger, the lifecycle thread group, the
	// shared bandwidth rate limit and the session download history. One
	// fetcher serves many concurrent slice downloads.
	Fetcher struct {
		staticDialer  modules.Dialer
		staticLog     *log.Logger
		staticRL      *ratelimit.RateLimit
		staticHistory *downloadHistory

		tg threadgroup.ThreadGroup
	}
)

// New creates a fetcher that dials peers through the provided dialer. The
// rate limit may be shared with other subsystems; a nil logger discards all
// log output.
func New(dialer modules.Dialer, rl *ratelimit.RateLimit, logger *log.Logger) (*Fetcher, error) {
	if dialer == nil {
		return nil, errNilDialer
	}
	if logger == nil {
		logger = log.DiscardLogger
	}
	return &Fetcher{
		staticDialer:  dialer,
		staticLog:     logger,
		staticRL:      rl,
		staticHistory: newDownloadHistory(),
	}, nil
}

// Close stops the fetcher. Running downloads are finalized with the
// interrupted result.
func (f *Fetcher) Close() error {
	return f.tg.Stop()
}

// SetBandwidthLimits updates the shared rate limit, in bytes per second. A
// limit of 0 is unlimited.
func (f *Fetcher) SetBandwidthLimits(downloadSpeed, uploadSpeed int64) error {
	if downloadSpeed < 0 || uploadSpeed < 0 {
		return errors.New("bandwidth limits cannot be negative")
	}
	if f.staticRL == nil {
		return errors.New("fetcher has no rate limit configured")
	}
	f.staticRL.SetLimits(downloadSpeed, uploadSpeed, 4*4096)
	return nil
}

// DownloadSlice starts downloading the given slice. The call validates its
// inputs synchronously and returns without blocking; every other outcome is
// delivered through the completion callback, which fires exactly once.
func (f *Fetcher) DownloadSlice(transport modules.Transport, slice modules.Slice, onComplete DownloadCompleteFunc, relativeDeadline time.Duration) error {
	if transport == nil {
		return errNilTransport
	}
	if onComplete == nil {
		return errNilCallback
	}
	if relativeDeadline <= 0 {
		return errInvalidDeadline
	}
	if err := modules.ValidateContentID(transport.ContentID()); err != nil {
		return err
	}
	if slice.Size > math.MaxUint32 {
		return errSliceTooLarge
	}
	chunks, err := planChunks(slice.Size, modules.MaxFileFeedChunkSize)
	if err != nil {
		return err
	}

	attemptTimeout := relativeDeadline / attemptTimeoutDen
	if attemptTimeout < minAttemptTimeout {
		attemptTimeout = minAttemptTimeout
	}

	// Every chunk can have at most two attempts in flight, so sizing the
	// response channel and the per-slot queues at twice the chunk count
	// guarantees that neither ever blocks a send loop.
	maxInFlight := 2 * len(chunks)
	sd := &sliceDownload{
		staticFetcher:    f,
		staticTransport:  transport,
		staticSlice:      slice,
		staticOnComplete: onComplete,
		staticDeadline:   relativeDeadline,
		staticLaunchTime: time.Now(),

		staticAttemptTimeout: attemptTimeout,

		chunks:       chunks,
		conns:        newConnManager(f.staticDialer, &f.tg, f.staticLog, maxInFlight),
		attempts:     make(map[uint64]*attempt),
		responseChan: make(chan *chunkResponse, maxInFlight),
	}
	err = f.tg.Launch(sd.threadedDownload)
	if err != nil {
		return errors.AddContext(err, "unable to launch slice download")
	}
	return nil
}
