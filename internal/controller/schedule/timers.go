package schedule

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// StopTimers holds one pending stop timer per execution.
type StopTimers struct {
	clock  clock.WithTickerAndDelayedExecution
	mu     sync.Mutex
	timers map[string]clock.Timer
}

func NewStopTimers(c clock.WithTickerAndDelayedExecution) *StopTimers {
	return &StopTimers{clock: c, timers: make(map[string]clock.Timer)}
}

// Schedule runs fn on its own goroutine after d unless the timer is cancelled first. Scheduling
// the same execution again replaces its pending timer.
func (t *StopTimers) Schedule(executionId string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[executionId]; ok {
		existing.Stop()
	}
	var timer clock.Timer
	timer = t.clock.AfterFunc(d, func() {
		go func() {
			t.mu.Lock()
			current, ok := t.timers[executionId]
			if ok && current == timer {
				delete(t.timers, executionId)
			}
			t.mu.Unlock()
			if ok && current == timer {
				fn()
			}
		}()
	})
	t.timers[executionId] = timer
}

// Cancel stops the pending timer of an execution and reports whether there was one.
func (t *StopTimers) Cancel(executionId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[executionId]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, executionId)
	return true
}

func (t *StopTimers) Pending(executionId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[executionId]
	return ok
}

// CancelAll stops every pending timer, e.g. on shutdown.
func (t *StopTimers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
