package fetcher

import (
	"time"

	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/slicenetlabs/slicenetd/build"
	"gitlab.com/slicenetlabs/slicenetd/modules"
)

type (
	// A chunkRequest is one encoded file feed request queued for sending
	// on a connection slot.
	chunkRequest struct {
		staticAttemptID uint64
		staticPayload   []byte
		staticRespChan  chan<- *chunkResponse
	}

	// A chunkResponse carries the raw result of one chunk request back to
	// the orchestrating goroutine. Exactly one of staticPayload and
	// staticErr is meaningful; staticErr, when set, is a
	// *modules.ConnError.
	chunkResponse struct {
		staticAttemptID uint64
		staticNode      modules.NodeID
		staticPayload   []byte
		staticErr       error
		staticRTT       time.Duration
	}

	// A connSlot owns the connection to one peer. Requests are queued on
	// the slot and a single send loop performs them one at a time, which
	// enforces the framework rule that a connection never has more than
	// one outstanding request.
	connSlot struct {
		staticNode     modules.NodeID
		staticDialer   modules.Dialer
		staticLog      *log.Logger
		staticRequests chan *chunkRequest
		staticStop     chan struct{}

		// conn is owned by the send loop and never touched by any other
		// goroutine.
		conn modules.Conn
	}

	// connManager hands out connection slots for the peers of one
	// download job and tears all of them down when the job finalizes. It
	// is only ever accessed by the orchestrating goroutine.
	connManager struct {
		staticDialer   modules.Dialer
		staticLog      *log.Logger
		staticTG       *threadgroup.ThreadGroup
		staticQueueCap int

		slots    map[modules.NodeID]*connSlot
		released bool
	}
)

// newConnManager initializes a connection manager. queueCap bounds the
// per-slot request queue; the caller sizes it so that queueing can never
// block.
func newConnManager(dialer modules.Dialer, tg *threadgroup.ThreadGroup, logger *log.Logger, queueCap int) *connManager {
	if logger == nil {
		logger = log.DiscardLogger
	}
	return &connManager{
		staticDialer:   dialer,
		staticLog:      logger,
		staticTG:       tg,
		staticQueueCap: queueCap,
		slots:          make(map[modules.NodeID]*connSlot),
	}
}

// acquire returns the slot for a node, reusing an open slot if one exists
// and creating one otherwise. acquire fails only when the fetcher is
// shutting down.
func (cm *connManager) acquire(node modules.NodeID) (*connSlot, error) {
	if cs, exists := cm.slots[node]; exists {
		return cs, nil
	}
	cs := &connSlot{
		staticNode:     node,
		staticDialer:   cm.staticDialer,
		staticLog:      cm.staticLog,
		staticRequests: make(chan *chunkRequest, cm.staticQueueCap),
		staticStop:     make(chan struct{}),
	}
	if err := cm.staticTG.Launch(cs.threadedSendLoop); err != nil {
		return nil, err
	}
	cm.slots[node] = cs
	return cs, nil
}

// numSlots returns the number of open slots.
func (cm *connManager) numSlots() int {
	return len(cm.slots)
}

// releaseAll tears down every slot owned by the job. Requests still queued
// or in flight are abandoned; their responses are never delivered.
func (cm *connManager) releaseAll() {
	if cm.released {
		return
	}
	cm.released = true
	for _, cs := range cm.slots {
		close(cs.staticStop)
	}
}

// send queues a chunk request on the slot. The queue is sized for the worst
// case, so a full queue indicates a bookkeeping bug.
func (cs *connSlot) send(req *chunkRequest) {
	select {
	case cs.staticRequests <- req:
	default:
		build.Critical("connSlot request queue overflow on node", cs.staticNode)
	}
}

// threadedSendLoop consumes the slot's request queue, performing one
// exchange at a time. The loop exits when the slot is released; the
// connection, if any, is closed on the way out.
func (cs *connSlot) threadedSendLoop() {
	defer func() {
		if cs.conn != nil {
			cs.conn.Close()
		}
	}()
	for {
		select {
		case <-cs.staticStop:
			return
		case req := <-cs.staticRequests:
			resp := cs.doRequest(req)
			select {
			case req.staticRespChan <- resp:
			case <-cs.staticStop:
				return
			}
		}
	}
}

// doRequest performs one exchange with the slot's peer, dialing on first
// use. A connection that produced an error is dropped so that the next
// request dials fresh; retry policy stays with the chunk scheduler.
func (cs *connSlot) doRequest(req *chunkRequest) *chunkResponse {
	resp := &chunkResponse{
		staticAttemptID: req.staticAttemptID,
		staticNode:      cs.staticNode,
	}
	if cs.conn == nil {
		conn, err := cs.staticDialer.Dial(cs.staticNode)
		if err != nil {
			cs.staticLog.Debugf("dialing node %v failed: %v", cs.staticNode, err)
			if _, ok := err.(*modules.ConnError); !ok {
				err = &modules.ConnError{Type: modules.ConnErrCantConnect, Err: err}
			}
			resp.staticErr = err
			return resp
		}
		cs.conn = conn
	}
	start := time.Now()
	payload, err := cs.conn.Request(modules.MsgFileFeedRequest, req.staticPayload)
	resp.staticRTT = time.Since(start)
	if err != nil {
		cs.conn.Close()
		cs.conn = nil
		resp.staticErr = err
		return resp
	}
	resp.staticPayload = payload
	return resp
}
