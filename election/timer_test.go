package election

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
)

func TestDrawTimeoutBounds(t *testing.T) {
	min := 150 * time.Millisecond
	max := 300 * time.Millisecond
	backoffCap := 10 * time.Second

	for i := 0; i < 1000; i++ {
		d := drawTimeout(min, max, backoffCap, 0, 0)
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, max)
	}
}

func TestDrawTimeoutFitnessShrinksWindow(t *testing.T) {
	min := 150 * time.Millisecond
	max := 300 * time.Millisecond
	backoffCap := 10 * time.Second

	// full fitness halves the window
	half := min + (max-min)/2
	for i := 0; i < 1000; i++ {
		d := drawTimeout(min, max, backoffCap, 1, 0)
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, half+time.Millisecond)
	}

	// out-of-range scores clamp instead of exploding
	for i := 0; i < 100; i++ {
		assert.Less(t, drawTimeout(min, max, backoffCap, 7, 0), max)
		assert.Less(t, drawTimeout(min, max, backoffCap, -3, 0), max)
	}
}

func TestDrawTimeoutBackoffCapped(t *testing.T) {
	min := 150 * time.Millisecond
	max := 300 * time.Millisecond
	backoffCap := time.Second

	for i := 0; i < 1000; i++ {
		d := drawTimeout(min, max, backoffCap, 0, 20)
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, backoffCap)
	}

	// more attempts widen the window up to the cap
	var seenPastMax bool
	for i := 0; i < 1000; i++ {
		if drawTimeout(min, max, backoffCap, 0, 3) >= max {
			seenPastMax = true
			break
		}
	}
	assert.True(t, seenPastMax, "backoff never widened the window past max")
}

func TestElectionTimerFires(t *testing.T) {
	timer := newElectionTimer()
	timer.SetLogger(log.TestingLogger())
	require.NoError(t, timer.Start())
	t.Cleanup(func() {
		if err := timer.Stop(); err != nil {
			t.Error(err)
		}
	})

	timer.ScheduleTimeout(timeoutInfo{Duration: 10 * time.Millisecond, Term: 1})

	select {
	case ti := <-timer.Chan():
		assert.EqualValues(t, 1, ti.Term)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestElectionTimerRescheduleReplacesPending(t *testing.T) {
	timer := newElectionTimer()
	timer.SetLogger(log.TestingLogger())
	require.NoError(t, timer.Start())
	t.Cleanup(func() {
		if err := timer.Stop(); err != nil {
			t.Error(err)
		}
	})

	timer.ScheduleTimeout(timeoutInfo{Duration: time.Hour, Term: 1})
	time.Sleep(10 * time.Millisecond)
	timer.ScheduleTimeout(timeoutInfo{Duration: 10 * time.Millisecond, Term: 2})

	select {
	case ti := <-timer.Chan():
		assert.EqualValues(t, 2, ti.Term)
	case <-time.After(time.Second):
		t.Fatal("replacement timeout never fired")
	}
}
