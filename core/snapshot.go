package core

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"hyperraft/libs/utils"
)

// perfStats aggregates orchestrator-level performance figures. The
// meters and histograms come from rcrowley/go-metrics; a snapshot is
// cut on demand for GetMetrics and the metric registry.
type perfStats struct {
	registry gometrics.Registry

	txMeter    gometrics.Meter // accepted transactions
	batchMeter gometrics.Meter // resolved batches
	latencyHis gometrics.Histogram

	mtx     tmsync.Mutex
	recent  []float64 // latest resolution latencies, seconds
	success int64
	failed  int64
}

const recentWindow = 64

func newPerfStats() *perfStats {
	r := gometrics.NewRegistry()
	return &perfStats{
		registry:   r,
		txMeter:    gometrics.NewRegisteredMeter("core.txs", r),
		batchMeter: gometrics.NewRegisteredMeter("core.batches", r),
		latencyHis: gometrics.NewRegisteredHistogram("core.latency_us", r,
			gometrics.NewExpDecaySample(1028, 0.015)),
	}
}

func (ps *perfStats) observe(accepted int, latency time.Duration, success bool) {
	ps.txMeter.Mark(int64(accepted))
	ps.batchMeter.Mark(1)
	ps.latencyHis.Update(latency.Microseconds())

	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.recent = append(ps.recent, latency.Seconds())
	if len(ps.recent) > recentWindow {
		ps.recent = ps.recent[1:]
	}
	if success {
		ps.success++
	} else {
		ps.failed++
	}
}

// PerformanceSnapshot is the point-in-time metrics view served to
// operators.
type PerformanceSnapshot struct {
	TxThroughput1m  float64 `json:"tx_throughput_1m"`
	BatchesResolved int64   `json:"batches_resolved"`
	BatchesFailed   int64   `json:"batches_failed"`

	LatencyP50 float64 `json:"latency_p50_us"`
	LatencyP99 float64 `json:"latency_p99_us"`

	RecentLatencyMin float64 `json:"recent_latency_min_s"`
	RecentLatencyMax float64 `json:"recent_latency_max_s"`
	RecentLatencyAvg float64 `json:"recent_latency_avg_s"`

	BatchSizeTarget int `json:"batch_size_target"`
}

func (ps *perfStats) snapshot(target int) PerformanceSnapshot {
	his := ps.latencyHis.Snapshot()
	pcts := his.Percentiles([]float64{0.5, 0.99})

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	snap := PerformanceSnapshot{
		TxThroughput1m:  ps.txMeter.Rate1(),
		BatchesResolved: ps.success,
		BatchesFailed:   ps.failed,
		LatencyP50:      pcts[0],
		LatencyP99:      pcts[1],
		BatchSizeTarget: target,
	}
	if len(ps.recent) > 0 {
		snap.RecentLatencyMin = utils.Min(ps.recent...)
		snap.RecentLatencyMax = utils.Max(ps.recent...)
		snap.RecentLatencyAvg = utils.Avg(ps.recent...)
	}
	return snap
}

func (s PerformanceSnapshot) JSONString() string {
	out, _ := jsoniter.MarshalToString(s)
	return out
}
