package election

import (
	"math/rand"
	"time"

	"github.com/tendermint/tendermint/libs/service"
)

// timeoutInfo describes one fired election timeout.
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Term     int64         `json:"term"`
}

// electionTimer delivers randomized election timeouts on a channel.
// ScheduleTimeout replaces any pending timeout; the consumer is the
// manager's receive routine.
type electionTimer struct {
	service.BaseService

	timer   *time.Timer
	resetCh chan timeoutInfo
	tockCh  chan timeoutInfo
}

func newElectionTimer() *electionTimer {
	tt := &electionTimer{
		timer:   time.NewTimer(24 * time.Hour),
		resetCh: make(chan timeoutInfo, 10),
		tockCh:  make(chan timeoutInfo, 10),
	}
	tt.stopTimer()
	tt.BaseService = *service.NewBaseService(nil, "ElectionTimer", tt)
	return tt
}

func (t *electionTimer) OnStart() error {
	go t.timeoutRoutine()
	return nil
}

func (t *electionTimer) OnStop() {
	t.stopTimer()
}

// Chan returns the channel on which timeouts are delivered.
func (t *electionTimer) Chan() <-chan timeoutInfo {
	return t.tockCh
}

// ScheduleTimeout arms the next timeout, replacing any pending one.
func (t *electionTimer) ScheduleTimeout(ti timeoutInfo) {
	t.resetCh <- ti
}

func (t *electionTimer) stopTimer() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

func (t *electionTimer) timeoutRoutine() {
	var pending timeoutInfo
	for {
		select {
		case ti := <-t.resetCh:
			t.stopTimer()
			pending = ti
			t.timer.Reset(ti.Duration)
		case <-t.timer.C:
			t.Logger.Debug("election timeout elapsed", "timeout", pending)
			// non-blocking: the receive routine may be busy; the
			// timeout is re-armed by the handler anyway
			select {
			case t.tockCh <- pending:
			default:
			}
		case <-t.Quit():
			return
		}
	}
}

// drawTimeout picks a randomized timeout from [min, max), shrunk by the
// advisory fitness score (0..1) and widened by the exponential backoff
// of failed election attempts. Fitness only ever moves timing, never
// the grant rule.
func drawTimeout(min, max, backoffCap time.Duration, fitness float64, attempts int) time.Duration {
	window := max - min

	// backoff: double the window per failed attempt, capped
	for i := 0; i < attempts; i++ {
		window *= 2
		if min+window > backoffCap {
			window = backoffCap - min
			break
		}
	}

	// fitness bias: a fully fit node halves its window
	if fitness < 0 {
		fitness = 0
	}
	if fitness > 1 {
		fitness = 1
	}
	window = time.Duration(float64(window) * (1 - 0.5*fitness))
	if window <= 0 {
		window = 1
	}

	return min + time.Duration(rand.Int63n(int64(window)))
}
