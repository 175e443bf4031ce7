package fetcher

import (
	"time"

	"gitlab.com/slicenetlabs/slicenetd/build"
)

const (
	// escalationNum and escalationDen define the fraction of the relative
	// deadline at which the deadline monitor raises the escalation signal.
	escalationNum = 3
	escalationDen = 5

	// busyStreakEscalation is the number of consecutive busy or
	// no-slice-available responses from distinct regular tier peers that
	// forces escalation for a chunk ahead of the time based trigger.
	busyStreakEscalation = 3

	// attemptTimeoutDen divides the relative deadline to obtain the per
	// attempt soft timeout. An in-flight chunk older than this is offered
	// to the fallback tier again once a download has escalated.
	attemptTimeoutDen = 4
)

var (
	// minAttemptTimeout is the floor for the per attempt soft timeout.
	minAttemptTimeout = build.Select(build.Var{
		Standard: 250 * time.Millisecond,
		Dev:      100 * time.Millisecond,
		Testing:  5 * time.Millisecond,
	}).(time.Duration)
)
