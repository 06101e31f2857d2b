package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_ClosedByDefault(t *testing.T) {
	b := New(3, 50*time.Millisecond, 10*time.Millisecond)
	assert.True(t, b.CanExecute("provider1"))
	assert.Equal(t, Closed, b.StateOf("provider1"))
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, 50*time.Millisecond, 10*time.Millisecond)

	b.RecordFailure("provider1")
	b.RecordFailure("provider1")
	assert.True(t, b.CanExecute("provider1"), "below threshold, still closed")

	b.RecordFailure("provider1")
	assert.Equal(t, Open, b.StateOf("provider1"))
	assert.False(t, b.CanExecute("provider1"))
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New(1, 20*time.Millisecond, 20*time.Millisecond)

	b.RecordFailure("provider1")
	assert.False(t, b.CanExecute("provider1"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.CanExecute("provider1"), "reset timeout elapsed, probe admitted")
	assert.Equal(t, HalfOpen, b.StateOf("provider1"))
}

func TestBreaker_SuccessClosesHalfOpen(t *testing.T) {
	b := New(1, 10*time.Millisecond, 10*time.Millisecond)

	b.RecordFailure("provider1")
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.CanExecute("provider1"))
	assert.Equal(t, HalfOpen, b.StateOf("provider1"))

	b.RecordSuccess("provider1")
	assert.Equal(t, Closed, b.StateOf("provider1"))
}

func TestBreaker_EvictIdle(t *testing.T) {
	b := New(1, time.Millisecond, time.Millisecond)
	b.RecordFailure("stale-provider")
	time.Sleep(5 * time.Millisecond)

	evicted := b.EvictIdle(map[string]struct{}{}, time.Millisecond)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, Closed, b.StateOf("stale-provider"), "evicted provider reports fresh default state")
}

func TestBreaker_EvictIdle_SkipsLive(t *testing.T) {
	b := New(1, time.Millisecond, time.Millisecond)
	b.RecordFailure("live-provider")
	time.Sleep(5 * time.Millisecond)

	evicted := b.EvictIdle(map[string]struct{}{"live-provider": {}}, time.Millisecond)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, Open, b.StateOf("live-provider"))
}
