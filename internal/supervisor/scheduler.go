package supervisor

import "time"

// Scheduler runs fn once after d. The returned function cancels it.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
