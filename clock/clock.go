package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer used by callers
type Timer interface {
	Stop() bool
}

// Clock abstracts time so timer-driven logic can be tested deterministically
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Now() time.Time {
	return time.Now()
}

// Mock is a manually advanced Clock for tests
type Mock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	timers  []*mockTimer
	pending int
}

// NewMock returns a Mock starting at a fixed instant
func NewMock() *Mock {
	m := &Mock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{mock: m, fireAt: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	m.pending++
	m.cond.Broadcast()
	return t
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and fires every timer that came due,
// in fire-time order. Callbacks run on the caller's goroutine.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, rest []*mockTimer
	for _, t := range m.timers {
		if t.stopped {
			continue
		}
		if !t.fireAt.After(m.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.timers = rest
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })
	for _, t := range due {
		t.fire()
	}
}

// BlockUntil waits until at least n timers are armed (neither fired nor stopped).
// Tests call it so they never advance before a goroutine has scheduled its timer.
func (m *Mock) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending < n {
		m.cond.Wait()
	}
}

type mockTimer struct {
	mock    *Mock
	fireAt  time.Time
	f       func()
	stopped bool
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.mock.pending--
	return true
}

func (t *mockTimer) fire() {
	t.mock.mu.Lock()
	if t.stopped {
		t.mock.mu.Unlock()
		return
	}
	t.stopped = true
	t.mock.pending--
	t.mock.mu.Unlock()
	if t.f != nil {
		t.f()
	}
}
