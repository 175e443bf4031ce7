package fetcher

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/slicenetlabs/slicenetd/modules"
)

// historyLimit caps the number of records kept for the session.
const historyLimit = 1000

type (
	// A DownloadRecord describes one finished slice download.
	DownloadRecord struct {
		ContentID    modules.ContentID `json:"contentid"`
		SliceID      uint16            `json:"sliceid"`
		SliceSize    uint64            `json:"slicesize"`
		Result       DownloadResult    `json:"result"`
		StartTime    time.Time         `json:"starttime"`
		Duration     time.Duration     `json:"duration"`
		Chunks       int               `json:"chunks"`
		ChunksStored int               `json:"chunksstored"`
		Retries      int               `json:"retries"`
		BusySignals  int               `json:"busysignals"`
		FallbackUsed bool              `json:"fallbackused"`
	}

	// DownloadStats aggregates the session's chunk round trip times and
	// download outcomes.
	DownloadStats struct {
		Downloads        int     `json:"downloads"`
		Succeeded        int     `json:"succeeded"`
		FallbackUsed     int     `json:"fallbackused"`
		ChunksMeasured   int     `json:"chunksmeasured"`
		ChunkRTTMedianMS float64 `json:"chunkrttmedianms"`
		ChunkRTTP90MS    float64 `json:"chunkrttp90ms"`
		ChunkRTTP99MS    float64 `json:"chunkrttp99ms"`
	}

	// downloadHistory keeps the downloads that finished during this
	// session, plus the round trip time of every stored chunk.
	downloadHistory struct {
		records  []DownloadRecord
		chunkRTT []float64 // milliseconds

		mu sync.Mutex
	}
)

// newDownloadHistory returns a newly initialized download history.
func newDownloadHistory() *downloadHistory {
	return &downloadHistory{}
}

// callAddRecord adds a finished download to the history, evicting the
// oldest record once the session limit is reached.
func (dh *downloadHistory) callAddRecord(record DownloadRecord) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	dh.records = append(dh.records, record)
	if len(dh.records) > historyLimit {
		dh.records = dh.records[len(dh.records)-historyLimit:]
	}
}

// callAddChunkRTT records the round trip time of one stored chunk.
func (dh *downloadHistory) callAddChunkRTT(rtt time.Duration) {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	dh.chunkRTT = append(dh.chunkRTT, float64(rtt.Nanoseconds())/1e6)
	if len(dh.chunkRTT) > historyLimit*10 {
		dh.chunkRTT = dh.chunkRTT[len(dh.chunkRTT)-historyLimit*10:]
	}
}

// managedHistory returns a copy of the session's download records, newest
// last.
func (dh *downloadHistory) managedHistory() []DownloadRecord {
	dh.mu.Lock()
	defer dh.mu.Unlock()
	history := make([]DownloadRecord, len(dh.records))
	copy(history, dh.records)
	return history
}

// managedStats aggregates the session statistics.
func (dh *downloadHistory) managedStats() (DownloadStats, error) {
	dh.mu.Lock()
	defer dh.mu.Unlock()

	ds := DownloadStats{
		Downloads:      len(dh.records),
		ChunksMeasured: len(dh.chunkRTT),
	}
	for _, record := range dh.records {
		if record.Result == DownloadSucceeded {
			ds.Succeeded++
		}
		if record.FallbackUsed {
			ds.FallbackUsed++
		}
	}
	if len(dh.chunkRTT) == 0 {
		return ds, nil
	}
	median, err := stats.Median(dh.chunkRTT)
	if err != nil {
		return DownloadStats{}, errors.AddContext(err, "unable to compute median chunk rtt")
	}
	p90, err := stats.Percentile(dh.chunkRTT, 90)
	if err != nil {
		return DownloadStats{}, errors.AddContext(err, "unable to compute p90 chunk rtt")
	}
	p99, err := stats.Percentile(dh.chunkRTT, 99)
	if err != nil {
		return DownloadStats{}, errors.AddContext(err, "unable to compute p99 chunk rtt")
	}
	ds.ChunkRTTMedianMS = median
	ds.ChunkRTTP90MS = p90
	ds.ChunkRTTP99MS = p99
	return ds, nil
}

// History returns the downloads that finished during this session.
func (f *Fetcher) History() []DownloadRecord {
	return f.staticHistory.managedHistory()
}

// Stats returns aggregate statistics over this session's downloads.
func (f *Fetcher) Stats() (DownloadStats, error) {
	return f.staticHistory.managedStats()
}
