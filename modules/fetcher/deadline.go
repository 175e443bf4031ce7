package fetcher

import (
	"sync"
	"time"
)

// deadlineMonitor watches one download job's deadline. It raises exactly two
// one-shot signals: escalate, at a fixed fraction of the relative deadline,
// and expire, at the deadline itself. Escalation can additionally be forced
// early by the scheduler; in every case the escalate signal fires before the
// expire signal.
type deadlineMonitor struct {
	staticEscalateChan chan struct{}
	staticExpireChan   chan struct{}

	escalated bool
	expired   bool
	mu        sync.Mutex

	staticEscalateTimer *time.Timer
	staticExpireTimer   *time.Timer
}

// newDeadlineMonitor starts a monitor for a job with the given relative
// deadline.
func newDeadlineMonitor(deadline time.Duration) *deadlineMonitor {
	dm := &deadlineMonitor{
		staticEscalateChan: make(chan struct{}),
		staticExpireChan:   make(chan struct{}),
	}
	escalateAfter := deadline * escalationNum / escalationDen
	dm.staticEscalateTimer = time.AfterFunc(escalateAfter, dm.callEscalate)
	dm.staticExpireTimer = time.AfterFunc(deadline, dm.managedExpire)
	return dm
}

// callEscalate raises the escalation signal. It is safe to call from any
// goroutine and any number of times; only the first call has an effect.
func (dm *deadlineMonitor) callEscalate() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.escalateLocked()
}

// escalateLocked closes the escalate channel once.
func (dm *deadlineMonitor) escalateLocked() {
	if dm.escalated {
		return
	}
	dm.escalated = true
	close(dm.staticEscalateChan)
}

// managedExpire raises the expire signal, making sure the escalate signal
// is raised first so that the two stay strictly ordered.
func (dm *deadlineMonitor) managedExpire() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.expired {
		return
	}
	dm.escalateLocked()
	dm.expired = true
	close(dm.staticExpireChan)
}

// stop halts the monitor's timers. Signals already raised remain raised.
func (dm *deadlineMonitor) stop() {
	dm.staticEscalateTimer.Stop()
	dm.staticExpireTimer.Stop()
}
