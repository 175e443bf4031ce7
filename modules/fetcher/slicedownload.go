package fetcher

import (
	"time"

	"gitlab.com/slicenetlabs/slicenetd/build"
	"gitlab.com/slicenetlabs/slicenetd/modules"
)

// DownloadResult is the aggregate outcome of a slice download, delivered
// exactly once through the completion callback.
type DownloadResult int

const (
	// DownloadSucceeded means every chunk of the slice was stored.
	DownloadSucceeded DownloadResult = iota

	// DownloadDeadlineExceeded means the relative deadline elapsed with at
	// least one chunk not stored.
	DownloadDeadlineExceeded

	// DownloadNoNodesAvailable means both peer tiers were exhausted for at
	// least one chunk before the deadline.
	DownloadNoNodesAvailable

	// DownloadTransportError means a transport query failed in a way that
	// prevented the download from proceeding.
	DownloadTransportError

	// DownloadInterrupted means the fetcher was shut down while the
	// download was running.
	DownloadInterrupted
)

// String implements the Stringer interface.
func (r DownloadResult) String() string {
	switch r {
	case DownloadSucceeded:
		return "succeeded"
	case DownloadDeadlineExceeded:
		return "deadline exceeded"
	case DownloadNoNodesAvailable:
		return "no nodes available"
	case DownloadTransportError:
		return "transport error"
	case DownloadInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// chunkState tracks one chunk through the scheduler's state machine.
type chunkState int

const (
	chunkPending chunkState = iota
	chunkInFlight
	chunkStored
	chunkFailed
)

// String implements the Stringer interface.
func (s chunkState) String() string {
	switch s {
	case chunkPending:
		return "pending"
	case chunkInFlight:
		return "in flight"
	case chunkStored:
		return "stored"
	case chunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type (
	// A chunk is one request-sized sub-range of the slice. Chunks are
	// owned exclusively by the download's orchestrating goroutine and
	// mutated only by the scheduler.
	chunk struct {
		staticIndex  int
		staticOffset uint64
		staticLength uint64

		state   chunkState
		retries int

		// busyStreak counts consecutive busy / no-slice-available
		// responses from distinct regular tier peers. Reaching the
		// escalation threshold forces the escalation signal early.
		busyStreak int

		// outstanding is the number of attempts currently in flight for
		// this chunk. It exceeds one only after escalation re-offers a
		// stale in-flight chunk to the fallback tier.
		outstanding int

		// tried holds the nodes that failed this chunk. They are not
		// offered again for this chunk but stay eligible for others.
		tried map[modules.NodeID]struct{}
	}

	// An attempt correlates one launched chunk request with the response
	// or error that eventually comes back for it.
	attempt struct {
		staticID         uint64
		staticChunk      *chunk
		staticNode       modules.NodeID
		staticTier       peerTier
		staticLaunchTime time.Time
	}

	// A sliceDownload orchestrates one slice download job from launch to
	// the completion callback. All of its state is owned by the single
	// goroutine running threadedDownload, so none of it is locked.
	sliceDownload struct {
		staticFetcher    *Fetcher
		staticTransport  modules.Transport
		staticSlice      modules.Slice
		staticOnComplete DownloadCompleteFunc
		staticDeadline   time.Duration
		staticLaunchTime time.Time

		// staticAttemptTimeout is the soft timeout after which an
		// in-flight attempt is considered stale at escalation time.
		staticAttemptTimeout time.Duration

		chunks []*chunk
		stored int
		failed int

		pool      *peerPool
		conns     *connManager
		deadline  *deadlineMonitor
		escalated bool

		// attempts holds the in-flight attempts keyed by attempt id.
		// Responses whose id is no longer present are stale and ignored.
		attempts      map[uint64]*attempt
		nextAttemptID uint64
		responseChan  chan *chunkResponse

		finalized bool

		// Bookkeeping for the download history.
		totalRetries int
		busySignals  int
		fallbackUsed bool
	}
)

// threadedDownload runs the download job. It seeds the regular peer tier,
// launches the initial chunk assignments and then reacts to chunk responses
// and deadline signals until the job finalizes.
func (sd *sliceDownload) threadedDownload() {
	sd.deadline = newDeadlineMonitor(sd.staticDeadline)
	defer sd.deadline.stop()
	defer sd.conns.releaseAll()

	pool, err := newPeerPool(sd.staticTransport, sd.staticSlice)
	if err != nil {
		sd.staticFetcher.staticLog.Println("download failed before launch:", err)
		sd.finalize(DownloadTransportError)
		return
	}
	sd.pool = pool
	if pool.tierSize(tierRegular) == 0 {
		// No regular peers hold the slice; there is no point waiting for
		// the time based trigger before consulting the fallback tier.
		sd.deadline.callEscalate()
	}

	for _, c := range sd.chunks {
		sd.assignChunk(c)
	}
	if sd.checkFinished() {
		return
	}

	escalateChan := sd.deadline.staticEscalateChan
	for {
		select {
		case resp := <-sd.responseChan:
			sd.handleChunkResponse(resp)
		case <-escalateChan:
			escalateChan = nil
			sd.handleEscalation()
		case <-sd.deadline.staticExpireChan:
			sd.finalize(DownloadDeadlineExceeded)
			return
		case <-sd.staticFetcher.tg.StopChan():
			sd.finalize(DownloadInterrupted)
			return
		}
		if sd.checkFinished() {
			return
		}
	}
}

// checkFinished finalizes the job if it has reached a terminal state and
// reports whether it did.
func (sd *sliceDownload) checkFinished() bool {
	if sd.stored == len(sd.chunks) {
		sd.finalize(DownloadSucceeded)
		return true
	}
	if sd.failed > 0 && sd.stored+sd.failed == len(sd.chunks) {
		sd.finalize(DownloadNoNodesAvailable)
		return true
	}
	return false
}

// assignChunk moves a pending chunk to in-flight by launching an attempt on
// the next peer candidate. When the regular tier is exhausted before
// escalation the chunk stays pending and the escalation signal is forced;
// when both tiers are exhausted the chunk fails.
func (sd *sliceDownload) assignChunk(c *chunk) {
	if c.state != chunkPending {
		build.Critical("assignChunk called on chunk in state", c.state)
		return
	}
	cand, ok := sd.pool.nextCandidate(c.tried, tierRegular)
	if !ok && sd.escalated {
		cand, ok = sd.pool.nextCandidate(c.tried, tierFallback)
	}
	if !ok {
		if !sd.escalated {
			// The regular tier has nothing left for this chunk. Force
			// the escalation signal rather than letting the chunk idle
			// until the time based trigger; it is re-offered when the
			// fallback tier activates.
			sd.deadline.callEscalate()
			return
		}
		c.state = chunkFailed
		sd.failed++
		sd.staticFetcher.staticLog.Printf("chunk %v of slice %v failed: both peer tiers exhausted after %v retries", c.staticIndex, sd.staticSlice.ID, c.retries)
		return
	}
	sd.launchAttempt(c, cand)
}

// launchAttempt sends one chunk request to the given candidate through its
// connection slot.
func (sd *sliceDownload) launchAttempt(c *chunk, cand peerCandidate) {
	req := modules.FileFeedRequest{
		CRID:      sd.staticTransport.ContentID(),
		SliceID:   sd.staticSlice.ID,
		Offset:    uint32(c.staticOffset),
		ChunkSize: uint32(c.staticLength),
	}
	payload, err := req.Marshal()
	if err != nil {
		// Inputs are validated before the job launches.
		build.Critical("unable to marshal chunk request:", err)
		c.state = chunkFailed
		sd.failed++
		return
	}
	slot, err := sd.conns.acquire(cand.staticNode)
	if err != nil {
		// Shutdown in progress; the stop channel terminates the loop.
		return
	}
	sd.nextAttemptID++
	a := &attempt{
		staticID:         sd.nextAttemptID,
		staticChunk:      c,
		staticNode:       cand.staticNode,
		staticTier:       cand.staticTier,
		staticLaunchTime: time.Now(),
	}
	sd.attempts[a.staticID] = a
	if cand.staticTier == tierFallback {
		sd.fallbackUsed = true
	}
	c.state = chunkInFlight
	c.outstanding++
	slot.send(&chunkRequest{
		staticAttemptID: a.staticID,
		staticPayload:   payload,
		staticRespChan:  sd.responseChan,
	})
}

// handleChunkResponse integrates one chunk response or error into the chunk
// set. Responses for attempts that are no longer tracked, or for chunks
// that have already been stored, are no-ops.
func (sd *sliceDownload) handleChunkResponse(resp *chunkResponse) {
	a, exists := sd.attempts[resp.staticAttemptID]
	if !exists {
		return
	}
	delete(sd.attempts, resp.staticAttemptID)
	c := a.staticChunk
	if c.outstanding <= 0 {
		build.Critical("chunk attempt bookkeeping underflow")
		return
	}
	c.outstanding--

	// A late response for a chunk another attempt already stored is
	// discarded; storage is not re-written and the chunk state is final.
	if c.state == chunkStored {
		return
	}

	// Hard connection errors are retryable per-chunk failures.
	if resp.staticErr != nil {
		sd.handleAttemptFailure(c, a, resp.staticErr.Error())
		return
	}

	fr, err := modules.UnmarshalFileFeedResponse(resp.staticPayload)
	if err != nil {
		sd.handleAttemptFailure(c, a, "malformed response: "+err.Error())
		return
	}
	if fr.SliceID != sd.staticSlice.ID || uint64(fr.Offset) != c.staticOffset || fr.CRID != sd.staticTransport.ContentID() {
		sd.handleAttemptFailure(c, a, "response does not match request")
		return
	}

	// Peer-reported soft failures accelerate escalation but remain
	// retryable.
	busy, _ := fr.NodeBusy()
	if busy || fr.NoSliceAvailable() {
		sd.busySignals++
		c.tried[a.staticNode] = struct{}{}
		c.retries++
		sd.totalRetries++
		if a.staticTier == tierRegular {
			c.busyStreak++
			if c.busyStreak >= busyStreakEscalation {
				sd.deadline.callEscalate()
			}
		}
		sd.retryChunk(c)
		return
	}

	if uint64(len(fr.Data)) != c.staticLength {
		sd.handleAttemptFailure(c, a, "response data has wrong length")
		return
	}

	// Storage write failures are assumed transient and local: the chunk is
	// retried without excluding the peer and without escalating the tier.
	err = sd.staticTransport.StoreSliceData(sd.staticSlice, fr.Data, c.staticOffset)
	if err != nil {
		sd.staticFetcher.staticLog.Printf("storing chunk %v of slice %v failed: %v", c.staticIndex, sd.staticSlice.ID, err)
		c.retries++
		sd.totalRetries++
		sd.retryChunk(c)
		return
	}

	c.state = chunkStored
	sd.stored++
	sd.staticFetcher.staticHistory.callAddChunkRTT(resp.staticRTT)
}

// handleAttemptFailure processes a peer-attributable failure of one
// attempt: the node is excluded for this chunk, the busy streak is broken
// and the chunk is retried.
func (sd *sliceDownload) handleAttemptFailure(c *chunk, a *attempt, reason string) {
	sd.staticFetcher.staticLog.Debugf("chunk %v attempt on node %v failed: %v", c.staticIndex, a.staticNode, reason)
	c.tried[a.staticNode] = struct{}{}
	c.retries++
	c.busyStreak = 0
	sd.totalRetries++
	sd.retryChunk(c)
}

// retryChunk returns a chunk to pending and re-assigns it, unless another
// attempt for it is still in flight.
func (sd *sliceDownload) retryChunk(c *chunk) {
	if c.outstanding > 0 {
		return
	}
	c.state = chunkPending
	sd.assignChunk(c)
}

// handleEscalation activates the fallback tier: the fallback node list is
// fetched (once), every pending chunk is re-offered, and in-flight chunks
// whose attempt has exceeded the soft timeout get a second attempt at the
// fallback tier.
func (sd *sliceDownload) handleEscalation() {
	sd.escalated = true
	elapsed := time.Since(sd.staticLaunchTime)
	if err := sd.pool.fetchFallback(); err != nil {
		// The job can still finish on the regular tier; chunks that
		// exhaust it will fail individually.
		sd.staticFetcher.staticLog.Println("escalation could not fetch fallback nodes:", err)
	} else {
		sd.staticFetcher.staticLog.Printf("download of slice %v escalated after %v: %v fallback nodes available", sd.staticSlice.ID, elapsed, sd.pool.tierSize(tierFallback))
	}

	for _, c := range sd.chunks {
		if c.state == chunkPending {
			sd.assignChunk(c)
		}
	}

	// Re-offer stale in-flight chunks. The attempt map is snapshotted
	// because launching adds to it.
	stale := make([]*attempt, 0, len(sd.attempts))
	for _, a := range sd.attempts {
		if time.Since(a.staticLaunchTime) >= sd.staticAttemptTimeout {
			stale = append(stale, a)
		}
	}
	for _, a := range stale {
		c := a.staticChunk
		if c.state != chunkInFlight || c.outstanding != 1 {
			continue
		}
		cand, ok := sd.pool.nextCandidate(c.tried, tierFallback)
		if !ok {
			continue
		}
		sd.launchAttempt(c, cand)
	}
}

// finalize completes the job exactly once: the completion callback fires
// with the aggregate result, every connection slot the job holds is
// released, and the job is recorded in the download history. Whichever
// terminal signal reaches finalize first wins; later calls are ignored.
func (sd *sliceDownload) finalize(result DownloadResult) {
	if sd.finalized {
		return
	}
	sd.finalized = true
	sd.deadline.stop()

	duration := time.Since(sd.staticLaunchTime)
	sd.staticFetcher.staticLog.Printf("download of slice %v finalized after %v: %v (%v/%v chunks stored, %v retries)", sd.staticSlice.ID, duration, result, sd.stored, len(sd.chunks), sd.totalRetries)

	sd.staticOnComplete(result, sd.staticTransport, sd.staticSlice)
	sd.conns.releaseAll()

	sd.staticFetcher.staticHistory.callAddRecord(DownloadRecord{
		ContentID:    sd.staticTransport.ContentID(),
		SliceID:      sd.staticSlice.ID,
		SliceSize:    sd.staticSlice.Size,
		Result:       result,
		StartTime:    sd.staticLaunchTime,
		Duration:     duration,
		Chunks:       len(sd.chunks),
		ChunksStored: sd.stored,
		Retries:      sd.totalRetries,
		BusySignals:  sd.busySignals,
		FallbackUsed: sd.fallbackUsed,
	})
}
