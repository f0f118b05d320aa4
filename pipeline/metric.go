package pipeline

import (
	"time"

	"github.com/go-kit/kit/metrics/generic"
	jsoniter "github.com/json-iterator/go"

	"hyperraft/types"
)

// Stage labels for the per-stage counters.
const (
	StageValidate  = "structural_validation"
	StageProof     = "proof_generation"
	StageExecute   = "execution"
	StageCommit    = "state_commitment"
	StageAggregate = "proof_aggregation"
)

// Metrics counts stage completions and per-transaction outcomes.
// Registered with the node's metric set; JSONString is the registry's
// rendering contract.
type Metrics struct {
	stages map[string]*generic.Counter

	batches  *generic.Counter
	accepted *generic.Counter
	rejected *generic.Counter
	latency  *generic.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		stages:   make(map[string]*generic.Counter),
		batches:  generic.NewCounter("pipeline_batches"),
		accepted: generic.NewCounter("pipeline_txs_accepted"),
		rejected: generic.NewCounter("pipeline_txs_rejected"),
		latency:  generic.NewHistogram("pipeline_batch_latency_ms", 50),
	}
	for _, s := range []string{StageValidate, StageProof, StageExecute, StageCommit, StageAggregate} {
		m.stages[s] = generic.NewCounter("pipeline_stage_" + s)
	}
	return m
}

func (m *Metrics) StageDone(stage string) {
	if c, ok := m.stages[stage]; ok {
		c.Add(1)
	}
}

func (m *Metrics) ObserveBatch(result *types.BatchResult, elapsed time.Duration) {
	m.batches.Add(1)
	m.accepted.Add(float64(result.Accepted))
	m.rejected.Add(float64(result.Rejected))
	m.latency.Observe(float64(elapsed.Milliseconds()))
}

// JSONString implements metric.Item.
func (m *Metrics) JSONString() string {
	out := map[string]float64{
		"batches":      m.batches.Value(),
		"txs_accepted": m.accepted.Value(),
		"txs_rejected": m.rejected.Value(),
		"latency_p50":  m.latency.Quantile(0.5),
		"latency_p99":  m.latency.Quantile(0.99),
	}
	for name, c := range m.stages {
		out["stage_"+name] = c.Value()
	}
	s, _ := jsoniter.MarshalToString(out)
	return s
}
