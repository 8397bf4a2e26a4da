package session

import "time"

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Clock is the time source of the coordinator. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
