package core

import (
	"time"

	tmsync "github.com/tendermint/tendermint/libs/sync"

	"hyperraft/config"
)

// BatchingPolicy adapts the admitted batch size with an AIMD rule:
// while resolution latency stays under the ceiling and the success
// rate above the floor the target grows additively; a regression
// halves it. The target is clamped to the configured bounds and
// enforced at submission time.
type BatchingPolicy struct {
	mtx tmsync.Mutex

	target int
	min    int
	max    int
	step   int

	latencyCeiling time.Duration
	successFloor   float64

	// sliding window of recent resolutions
	window    []observation
	windowCap int
}

type observation struct {
	latency time.Duration
	success bool
}

func NewBatchingPolicy(cfg *config.PipelineConfig) *BatchingPolicy {
	return &BatchingPolicy{
		target:         cfg.InitialBatchSize,
		min:            cfg.MinBatchSize,
		max:            cfg.MaxBatchSize,
		step:           cfg.MinBatchSize,
		latencyCeiling: cfg.LatencyCeiling,
		successFloor:   cfg.SuccessFloor,
		windowCap:      32,
	}
}

// Target returns the batch size currently admitted.
func (bp *BatchingPolicy) Target() int {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()
	return bp.target
}

// Observe records one resolved batch and adjusts the target.
func (bp *BatchingPolicy) Observe(latency time.Duration, success bool) {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	bp.window = append(bp.window, observation{latency, success})
	if len(bp.window) > bp.windowCap {
		bp.window = bp.window[1:]
	}

	if latency > bp.latencyCeiling || bp.successRate() < bp.successFloor {
		bp.target /= 2
		if bp.target < bp.min {
			bp.target = bp.min
		}
		return
	}

	bp.target += bp.step
	if bp.target > bp.max {
		bp.target = bp.max
	}
}

func (bp *BatchingPolicy) successRate() float64 {
	if len(bp.window) == 0 {
		return 1
	}
	ok := 0
	for _, o := range bp.window {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(bp.window))
}
