package fetcher

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"

	"gitlab.com/slicenetlabs/slicenetd/modules"
)

// testCRID returns a valid content id for testing.
func testCRID() modules.ContentID {
	return modules.ContentID(strings.Repeat("b2", modules.CRIDSize/2))
}

// testTransport is an in-memory Transport. Its node lists and failure
// behavior are configured per test.
type testTransport struct {
	staticCRID modules.ContentID

	regular  []modules.NodeID
	fallback []modules.NodeID

	regularCalls  int
	fallbackCalls int
	storeCalls    int

	// storeFails makes the first n StoreSliceData calls fail.
	storeFails int

	data []byte

	mu sync.Mutex
}

// newTestTransport creates a transport backed by an empty buffer of the
// given size.
func newTestTransport(size uint64, regular, fallback []modules.NodeID) *testTransport {
	return &testTransport{
		staticCRID: testCRID(),
		regular:    regular,
		fallback:   fallback,
		data:       make([]byte, size),
	}
}

// ContentID implements the Transport interface.
func (tt *testTransport) ContentID() modules.ContentID { return tt.staticCRID }

// NodeList implements the Transport interface.
func (tt *testTransport) NodeList(modules.Slice) ([]modules.NodeID, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.regularCalls++
	return append([]modules.NodeID(nil), tt.regular...), nil
}

// FallbackNodeList implements the Transport interface.
func (tt *testTransport) FallbackNodeList(modules.Slice) ([]modules.NodeID, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.fallbackCalls++
	return append([]modules.NodeID(nil), tt.fallback...), nil
}

// StoreSliceData implements the Transport interface.
func (tt *testTransport) StoreSliceData(_ modules.Slice, buf []byte, offset uint64) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.storeCalls++
	if tt.storeFails > 0 {
		tt.storeFails--
		return errors.New("injected storage failure")
	}
	if offset+uint64(len(buf)) > uint64(len(tt.data)) {
		return errors.New("write out of bounds")
	}
	copy(tt.data[offset:], buf)
	return nil
}

// SliceData implements the Transport interface.
func (tt *testTransport) SliceData(modules.Slice) ([]byte, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]byte(nil), tt.data...), nil
}

// managedFallbackCalls returns how often the fallback node list was
// queried.
func (tt *testTransport) managedFallbackCalls() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.fallbackCalls
}

// A testHandler produces a peer's answer to one parsed chunk request.
type testHandler func(req modules.FileFeedRequest) ([]byte, error)

// testDialer is an in-memory Dialer. Each node is served by a handler
// registered on the dialer.
type testDialer struct {
	handlers map[modules.NodeID]testHandler
	dials    map[modules.NodeID]int

	mu sync.Mutex
}

// newTestDialer returns a dialer with no nodes registered.
func newTestDialer() *testDialer {
	return &testDialer{
		handlers: make(map[modules.NodeID]testHandler),
		dials:    make(map[modules.NodeID]int),
	}
}

// registerNode installs the handler serving a node.
func (td *testDialer) registerNode(node modules.NodeID, handler testHandler) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.handlers[node] = handler
}

// Dial implements the Dialer interface.
func (td *testDialer) Dial(node modules.NodeID) (modules.Conn, error) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.dials[node]++
	if _, exists := td.handlers[node]; !exists {
		return nil, &modules.ConnError{Type: modules.ConnErrCantConnect, Err: errors.New("unknown node")}
	}
	return &testConn{staticNode: node, staticDialer: td}, nil
}

// testConn implements Conn on top of the dialer's handler table.
type testConn struct {
	staticNode   modules.NodeID
	staticDialer *testDialer
}

// Request implements the Conn interface.
func (tc *testConn) Request(msgType uint16, payload []byte) ([]byte, error) {
	if msgType != modules.MsgFileFeedRequest {
		return nil, &modules.ConnError{Type: modules.ConnErrProtocol, Err: errors.New("unexpected message type")}
	}
	req, err := modules.UnmarshalFileFeedRequest(payload)
	if err != nil {
		return nil, &modules.ConnError{Type: modules.ConnErrProtocol, Err: err}
	}
	tc.staticDialer.mu.Lock()
	handler := tc.staticDialer.handlers[tc.staticNode]
	tc.staticDialer.mu.Unlock()
	return handler(req)
}

// NodeID implements the Conn interface.
func (tc *testConn) NodeID() modules.NodeID { return tc.staticNode }

// Close implements the Conn interface.
func (tc *testConn) Close() error { return nil }

// serveHandler returns a handler that serves chunks of src.
func serveHandler(src []byte) testHandler {
	return func(req modules.FileFeedRequest) ([]byte, error) {
		end := uint64(req.Offset) + uint64(req.ChunkSize)
		if end > uint64(len(src)) {
			return nil, &modules.ConnError{Type: modules.ConnErrProtocol, Err: errors.New("request out of bounds")}
		}
		resp := modules.FileFeedResponse{FileFeedRequest: req}
		resp.Data = src[req.Offset:end]
		return resp.Marshal()
	}
}

// busyHandler returns a handler that always reports node busy.
func busyHandler() testHandler {
	return func(req modules.FileFeedRequest) ([]byte, error) {
		resp := modules.FileFeedResponse{FileFeedRequest: req}
		resp.ChunkSize = 0
		resp.Extended = []modules.ExtendedInfo{{
			ID:   modules.ExtendedInfoNodeBusy,
			Data: []byte{0, 0, 0, 100},
		}}
		return resp.Marshal()
	}
}

// connErrHandler returns a handler that always fails with the given error
// class.
func connErrHandler(errType modules.ConnErrorType) testHandler {
	return func(modules.FileFeedRequest) ([]byte, error) {
		return nil, &modules.ConnError{Type: errType, Err: errors.New("injected connection failure")}
	}
}

// newTestFetcher creates a fetcher wired to the dialer.
func newTestFetcher(t *testing.T, dialer modules.Dialer) *Fetcher {
	f, err := New(dialer, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// resultWaiter returns a completion callback plus a channel that receives
// every result the callback is invoked with.
func resultWaiter() (DownloadCompleteFunc, chan DownloadResult) {
	resultChan := make(chan DownloadResult, 10)
	return func(result DownloadResult, _ modules.Transport, _ modules.Slice) {
		resultChan <- result
	}, resultChan
}

// waitResult waits for the first callback invocation and asserts there is
// no second one.
func waitResult(t *testing.T, resultChan chan DownloadResult, timeout time.Duration) DownloadResult {
	t.Helper()
	var result DownloadResult
	select {
	case result = <-resultChan:
	case <-time.After(timeout):
		t.Fatal("completion callback was not invoked")
	}
	select {
	case <-resultChan:
		t.Fatal("completion callback was invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
	return result
}

// TestDownloadSliceValidation verifies that bad inputs fail synchronously
// without starting a job.
func TestDownloadSliceValidation(t *testing.T) {
	t.Parallel()
	f := newTestFetcher(t, newTestDialer())
	defer f.Close()

	onComplete, _ := resultWaiter()
	tt := newTestTransport(100, nil, nil)

	if err := f.DownloadSlice(nil, modules.Slice{ID: 1, Size: 100}, onComplete, time.Second); !errors.Contains(err, errNilTransport) {
		t.Fatal("expected nil transport error, got", err)
	}
	if err := f.DownloadSlice(tt, modules.Slice{ID: 1, Size: 100}, nil, time.Second); !errors.Contains(err, errNilCallback) {
		t.Fatal("expected nil callback error, got", err)
	}
	if err := f.DownloadSlice(tt, modules.Slice{ID: 1, Size: 100}, onComplete, 0); !errors.Contains(err, errInvalidDeadline) {
		t.Fatal("expected invalid deadline error, got", err)
	}
	if err := f.DownloadSlice(tt, modules.Slice{ID: 1, Size: 0}, onComplete, time.Second); !errors.Contains(err, errZeroSliceSize) {
		t.Fatal("expected zero slice size error, got", err)
	}
	badCRID := newTestTransport(100, nil, nil)
	badCRID.staticCRID = "not-a-crid"
	if err := f.DownloadSlice(badCRID, modules.Slice{ID: 1, Size: 100}, onComplete, time.Second); !errors.Contains(err, modules.ErrInvalidContentID) {
		t.Fatal("expected invalid content id error, got", err)
	}
}

// TestDownloadSliceSuccess downloads a multi-chunk slice from healthy
// regular peers and verifies the assembled data. The fallback tier must
// never be consulted.
func TestDownloadSliceSuccess(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	sliceSize := uint64(3*modules.MaxFileFeedChunkSize + 100)
	src := fastrand.Bytes(int(sliceSize))

	dialer := newTestDialer()
	nodes := []modules.NodeID{"peer1", "peer2", "peer3"}
	for _, node := range nodes {
		dialer.registerNode(node, serveHandler(src))
	}

	f := newTestFetcher(t, dialer)
	defer f.Close()

	tt := newTestTransport(sliceSize, nodes, []modules.NodeID{"fallback1"})
	onComplete, resultChan := resultWaiter()
	slice := modules.Slice{ID: 42, Size: sliceSize}
	if err := f.DownloadSlice(tt, slice, onComplete, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if result := waitResult(t, resultChan, 5*time.Second); result != DownloadSucceeded {
		t.Fatal("expected success, got", result)
	}

	stored, err := tt.SliceData(slice)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, src) {
		t.Fatal("assembled slice does not match source data")
	}
	if calls := tt.managedFallbackCalls(); calls != 0 {
		t.Fatal("fallback tier was queried", calls, "times without escalation")
	}

	history := f.History()
	if len(history) != 1 {
		t.Fatal("expected one history record, got", len(history))
	}
	record := history[0]
	if record.Result != DownloadSucceeded || record.Chunks != 4 || record.ChunksStored != 4 || record.FallbackUsed {
		t.Fatal("unexpected history record", record)
	}
}

// TestDownloadSliceBusyEscalation verifies that three consecutive busy
// responses from distinct regular peers force the fallback tier ahead of
// the time based trigger.
func TestDownloadSliceBusyEscalation(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	sliceSize := uint64(modules.MaxFileFeedChunkSize)
	src := fastrand.Bytes(int(sliceSize))

	dialer := newTestDialer()
	regular := []modules.NodeID{"busy1", "busy2", "busy3"}
	for _, node := range regular {
		dialer.registerNode(node, busyHandler())
	}
	dialer.registerNode("fallback1", serveHandler(src))

	f := newTestFetcher(t, dialer)
	defer f.Close()

	tt := newTestTransport(sliceSize, regular, []modules.NodeID{"fallback1"})
	onComplete, resultChan := resultWaiter()
	slice := modules.Slice{ID: 7, Size: sliceSize}

	// The deadline is far away; only the busy streak can activate the
	// fallback tier quickly.
	start := time.Now()
	if err := f.DownloadSlice(tt, slice, onComplete, time.Hour); err != nil {
		t.Fatal(err)
	}
	if result := waitResult(t, resultChan, 5*time.Second); result != DownloadSucceeded {
		t.Fatal("expected success, got", result)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatal("escalation did not fire early, took", elapsed)
	}
	if calls := tt.managedFallbackCalls(); calls != 1 {
		t.Fatal("expected a single fallback node list fetch, got", calls)
	}

	history := f.History()
	if len(history) != 1 || !history[0].FallbackUsed || history[0].BusySignals < busyStreakEscalation {
		t.Fatal("unexpected history record", history)
	}
	stored, err := tt.SliceData(slice)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, src) {
		t.Fatal("assembled slice does not match source data")
	}
}

// TestDownloadSliceDeadline verifies that a job whose peers never answer
// finalizes with the deadline exceeded result, and that a response
// arriving after expiry changes nothing.
func TestDownloadSliceDeadline(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	sliceSize := uint64(1000)
	src := fastrand.Bytes(int(sliceSize))

	// The peer blocks until the test releases it after expiry.
	release := make(chan struct{})
	dialer := newTestDialer()
	dialer.registerNode("slow1", func(req modules.FileFeedRequest) ([]byte, error) {
		<-release
		return serveHandler(src)(req)
	})

	f := newTestFetcher(t, dialer)
	defer f.Close()

	tt := newTestTransport(sliceSize, []modules.NodeID{"slow1"}, nil)
	onComplete, resultChan := resultWaiter()
	slice := modules.Slice{ID: 9, Size: sliceSize}
	if err := f.DownloadSlice(tt, slice, onComplete, 250*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	result := waitResult(t, resultChan, 5*time.Second)
	if result != DownloadDeadlineExceeded {
		t.Fatal("expected deadline exceeded, got", result)
	}

	// Release the late response and give it time to arrive; the job is
	// already finalized so nothing may change.
	close(release)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-resultChan:
		t.Fatal("late response triggered a second callback")
	default:
	}
}

// TestDownloadSliceNoNodes verifies that a job with no peers at all fails
// with the no nodes available result well before the deadline.
func TestDownloadSliceNoNodes(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	f := newTestFetcher(t, newTestDialer())
	defer f.Close()

	tt := newTestTransport(1000, nil, nil)
	onComplete, resultChan := resultWaiter()
	if err := f.DownloadSlice(tt, modules.Slice{ID: 3, Size: 1000}, onComplete, time.Hour); err != nil {
		t.Fatal(err)
	}
	if result := waitResult(t, resultChan, 5*time.Second); result != DownloadNoNodesAvailable {
		t.Fatal("expected no nodes available, got", result)
	}
}

// TestDownloadSliceRetryPaths exercises per-chunk recovery from connection
// errors and from transient storage failures.
func TestDownloadSliceRetryPaths(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	t.Run("ConnError", func(t *testing.T) {
		t.Parallel()
		sliceSize := uint64(2000)
		src := fastrand.Bytes(int(sliceSize))

		dialer := newTestDialer()
		dialer.registerNode("broken1", connErrHandler(modules.ConnErrReset))
		dialer.registerNode("healthy1", serveHandler(src))

		f := newTestFetcher(t, dialer)
		defer f.Close()

		tt := newTestTransport(sliceSize, []modules.NodeID{"broken1", "healthy1"}, nil)
		onComplete, resultChan := resultWaiter()
		slice := modules.Slice{ID: 1, Size: sliceSize}
		if err := f.DownloadSlice(tt, slice, onComplete, 10*time.Second); err != nil {
			t.Fatal(err)
		}
		if result := waitResult(t, resultChan, 5*time.Second); result != DownloadSucceeded {
			t.Fatal("expected success, got", result)
		}
		stored, err := tt.SliceData(slice)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(stored, src) {
			t.Fatal("assembled slice does not match source data")
		}
	})

	t.Run("StorageError", func(t *testing.T) {
		t.Parallel()
		sliceSize := uint64(2000)
		src := fastrand.Bytes(int(sliceSize))

		dialer := newTestDialer()
		dialer.registerNode("peer1", serveHandler(src))

		f := newTestFetcher(t, dialer)
		defer f.Close()

		tt := newTestTransport(sliceSize, []modules.NodeID{"peer1"}, nil)
		tt.storeFails = 2
		onComplete, resultChan := resultWaiter()
		slice := modules.Slice{ID: 2, Size: sliceSize}
		if err := f.DownloadSlice(tt, slice, onComplete, 10*time.Second); err != nil {
			t.Fatal(err)
		}
		if result := waitResult(t, resultChan, 5*time.Second); result != DownloadSucceeded {
			t.Fatal("expected success, got", result)
		}
		if tt.managedFallbackCalls() != 0 {
			t.Fatal("storage failures must not escalate the tier")
		}
		stored, err := tt.SliceData(slice)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(stored, src) {
			t.Fatal("assembled slice does not match source data")
		}
	})
}

// TestFetcherClose verifies that stopping the fetcher finalizes running
// downloads with the interrupted result.
func TestFetcherClose(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	t.Parallel()

	release := make(chan struct{})
	dialer := newTestDialer()
	dialer.registerNode("slow1", func(req modules.FileFeedRequest) ([]byte, error) {
		<-release
		return nil, &modules.ConnError{Type: modules.ConnErrDestroy}
	})

	f := newTestFetcher(t, dialer)
	tt := newTestTransport(1000, []modules.NodeID{"slow1"}, nil)
	onComplete, resultChan := resultWaiter()
	if err := f.DownloadSlice(tt, modules.Slice{ID: 5, Size: 1000}, onComplete, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Give the job a moment to launch, then shut down. The blocked peer
	// exchange is released shortly after so that Close can reap the send
	// loop; the job itself must finalize as interrupted, not wait for the
	// exchange.
	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if result := waitResult(t, resultChan, 5*time.Second); result != DownloadInterrupted {
		t.Fatal("expected interrupted, got", result)
	}
}
