package liveavatar

import (
	"sync"
	"time"
)

// Clock supplies time and periodic callbacks.
type Clock interface {
	Now() time.Time
	// Every calls fn every d until the returned stop func is called. stop
	// must not wait for an in-flight fn.
	Every(d time.Duration, fn func()) (stop func())
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
