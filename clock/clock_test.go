package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvanceFiresDueTimersInOrder(t *testing.T) {
	m := NewMock()
	var fired []string

	m.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "late") })
	m.AfterFunc(50*time.Millisecond, func() { fired = append(fired, "early") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "never") })

	m.Advance(300 * time.Millisecond)

	assert.Equal(t, []string{"early", "late"}, fired)
}

func TestMockStoppedTimerDoesNotFire(t *testing.T) {
	m := NewMock()
	called := false
	timer := m.AfterFunc(10*time.Millisecond, func() { called = true })

	assert.True(t, timer.Stop(), "first stop reports active timer")
	assert.False(t, timer.Stop(), "second stop reports inactive timer")

	m.Advance(time.Second)
	assert.False(t, called)
}

func TestMockNowAdvances(t *testing.T) {
	m := NewMock()
	start := m.Now()
	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, m.Now().Sub(start))
}

func TestMockBlockUntil(t *testing.T) {
	m := NewMock()
	done := make(chan struct{})

	go func() {
		m.AfterFunc(time.Millisecond, func() {})
		close(done)
	}()

	m.BlockUntil(1)
	<-done
	m.Advance(time.Millisecond)
	m.BlockUntil(0)
}
