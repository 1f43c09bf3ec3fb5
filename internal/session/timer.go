package session

import "time"

// timerFunc schedules fn to run once after d and returns a cancel
// function reporting whether the firing was prevented. The default is
// backed by time.AfterFunc; tests substitute a deterministic scheduler.
type timerFunc func(d time.Duration, fn func()) (cancel func() bool)

func stdTimer(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
