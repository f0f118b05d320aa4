package pipeline

import (
	"bytes"
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"hyperraft/config"
	"hyperraft/crypto/bls"
	"hyperraft/state"
	"hyperraft/types"
)

// ProofFunc produces the per-transaction integrity proof. Injected so
// tests can force transient failures; defaults to the node's BLS key.
type ProofFunc func(msg []byte) ([]byte, error)

// Pipeline turns an appended log entry into a committed, provable
// batch result in five stages:
//
//  1. structural validation  (parallel, per tx)
//  2. proof generation       (parallel, bounded retries)
//  3. execution              (working copy, conflicts serialized)
//  4. state commitment       (gated on quorum commit, never ahead)
//  5. proof aggregation      (one attestation per batch)
//
// Failures are isolated per transaction; a rejected transaction never
// aborts its siblings.
type Pipeline struct {
	cfg      *config.PipelineConfig
	stateMgr *state.Manager

	proofFn ProofFunc

	// bounds the goroutines of the parallel stages
	workers chan struct{}

	// closed on shutdown so stage 4 never leaks a waiter
	quit <-chan struct{}

	metrics *Metrics
	logger  log.Logger
}

type Option func(*Pipeline)

// WithProofFunc overrides the proof generator.
func WithProofFunc(fn ProofFunc) Option {
	return func(p *Pipeline) {
		p.proofFn = fn
	}
}

func NewPipeline(
	cfg *config.PipelineConfig,
	stateMgr *state.Manager,
	proofKey *bls.ProofKey,
	quit <-chan struct{},
	options ...Option,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		stateMgr: stateMgr,
		proofFn:  proofKey.Sign,
		workers:  make(chan struct{}, cfg.StageWorkers),
		quit:     quit,
		metrics:  NewMetrics(),
		logger:   log.NewNopLogger(),
	}

	for _, option := range options {
		option(p)
	}

	return p
}

func (p *Pipeline) SetLogger(logger log.Logger) {
	p.logger = logger
}

func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// task carries one transaction through the stages.
type task struct {
	tx     *types.Tx
	status types.TxStatus
	reason string
	proof  []byte
}

func (t *task) reject(reason string) {
	t.status = types.TxStatusRejected
	t.reason = reason
}

// Process runs the full pipeline for entry. It blocks until the entry
// is quorum-committed (stage 4 gate) or the pipeline shuts down.
// Callers that need a deadline wait on the orchestrator's result
// channel instead; in-flight work here is deliberately not cancelled
// by caller deadlines.
func (p *Pipeline) Process(entry *types.LogEntry) *types.BatchResult {
	start := time.Now()
	batch := entry.Batch

	tasks := make([]*task, len(batch.Txs))
	for i, tx := range batch.Txs {
		tasks[i] = &task{tx: tx, status: types.TxStatusPending}
	}

	p.validateStage(tasks)
	p.proofStage(tasks)
	p.executeStage(tasks)
	committed := p.commitStage(entry, tasks)
	if committed {
		p.aggregateStage(entry, tasks)
	}

	result := p.assemble(entry, tasks, !committed)
	p.metrics.ObserveBatch(result, time.Since(start))
	p.logger.Info("pipeline resolved batch",
		"batch", batch.ID, "accepted", result.Accepted, "rejected", result.Rejected)
	return result
}

// ----- stage 1: structural validation -----

// validateStage checks shape, signature well-formedness and nonce
// freshness against committed state. Parallel per transaction.
func (p *Pipeline) validateStage(tasks []*task) {
	p.runParallel(tasks, func(t *task) {
		if err := t.tx.ValidateBasic(); err != nil {
			t.reject(types.ReasonStructuralValidation)
			return
		}
		if len(t.tx.Signature) != ed25519.SignatureSize {
			t.reject(types.ReasonStructuralValidation)
			return
		}
		nonce, known, err := p.stateMgr.Store().SenderNonce(t.tx.Sender)
		if err != nil {
			t.reject(types.ReasonStructuralValidation)
			return
		}
		if known && t.tx.Nonce <= nonce {
			t.reject(types.ReasonDuplicateNonce)
			return
		}
	})
	p.metrics.StageDone(StageValidate)
}

// ----- stage 2: proof generation -----

// proofStage is idempotent and retried transparently on transient
// failure, up to the configured bound.
func (p *Pipeline) proofStage(tasks []*task) {
	p.runParallel(tasks, func(t *task) {
		if t.status == types.TxStatusRejected {
			return
		}
		msg := t.tx.Hash()
		var lastErr error
		for attempt := 0; attempt <= p.cfg.ProofRetries; attempt++ {
			proof, err := p.proofFn(msg)
			if err == nil {
				t.proof = proof
				return
			}
			lastErr = err
		}
		p.logger.Error("proof generation exhausted retries",
			"tx", t.tx.Hash(), "err", lastErr)
		t.reject(types.ReasonProofGeneration)
	})
	p.metrics.StageDone(StageProof)
}

// ----- stage 4: state commitment -----

// commitStage never runs ahead of quorum commitment: it blocks until
// the state manager reports entry.Index committed, then folds the
// surviving transactions into the authoritative state. Returns false
// when the pipeline shut down before commitment.
func (p *Pipeline) commitStage(entry *types.LogEntry, tasks []*task) bool {
	select {
	case <-p.stateMgr.WaitCommitted(entry.Index):
	case <-p.quit:
		return false
	}

	// a leader change may have truncated our entry and committed a
	// different one at this index
	cur := p.stateMgr.EntryAt(entry.Index)
	if cur == nil || !bytes.Equal(cur.PayloadHash(), entry.PayloadHash()) {
		for _, t := range tasks {
			if t.status == types.TxStatusPending {
				t.reject(types.ReasonEntrySuperseded)
			}
		}
		return false
	}

	accepted := make(types.Txs, 0, len(tasks))
	for _, t := range tasks {
		if t.status == types.TxStatusPending {
			accepted = append(accepted, t.tx)
		}
	}

	if _, err := p.stateMgr.Store().ApplyResults(entry, accepted); err != nil {
		p.logger.Error("state fold failed", "entry", entry.Index, "err", err)
		for _, t := range tasks {
			if t.status == types.TxStatusPending {
				t.reject(types.ReasonExecutionFailed)
			}
		}
		return false
	}

	for _, t := range tasks {
		if t.status == types.TxStatusPending {
			t.status = types.TxStatusAccepted
		}
	}
	p.metrics.StageDone(StageCommit)
	return true
}

// ----- stage 5: proof aggregation -----

func (p *Pipeline) aggregateStage(entry *types.LogEntry, tasks []*task) {
	sigs := make([][]byte, 0, len(tasks))
	txHashes := make([]tmbytes.HexBytes, 0, len(tasks))
	for _, t := range tasks {
		if t.status == types.TxStatusAccepted && len(t.proof) > 0 {
			sigs = append(sigs, t.proof)
			txHashes = append(txHashes, t.tx.Hash())
		}
	}
	if len(sigs) == 0 {
		return
	}

	agg, err := bls.Aggregate(sigs...)
	if err != nil {
		p.logger.Error("proof aggregation failed", "entry", entry.Index, "err", err)
		return
	}

	proof := &types.AggregateProof{
		EntryIndex: entry.Index,
		BatchHash:  entry.PayloadHash(),
		TxHashes:   txHashes,
		Signature:  agg,
	}
	if err := p.stateMgr.Store().AttachProof(entry.Index, proof); err != nil {
		p.logger.Error("persisting aggregate proof failed", "entry", entry.Index, "err", err)
		return
	}
	entry.CommitProof = proof
	p.metrics.StageDone(StageAggregate)
}

// ----- result assembly -----

func (p *Pipeline) assemble(entry *types.LogEntry, tasks []*task, timedOut bool) *types.BatchResult {
	result := &types.BatchResult{
		BatchID:  entry.Batch.ID,
		Term:     entry.Term,
		Index:    entry.Index,
		TimedOut: timedOut,
		Results:  make([]types.TxResult, len(tasks)),
	}
	for i, t := range tasks {
		result.Results[i] = types.TxResult{
			TxHash: t.tx.Hash(),
			Status: t.status,
			Reason: t.reason,
		}
		switch t.status {
		case types.TxStatusAccepted:
			result.Accepted++
		case types.TxStatusRejected:
			result.Rejected++
		}
	}
	return result
}

// runParallel fans fn out over the shared bounded worker pool and
// joins before returning.
func (p *Pipeline) runParallel(tasks []*task, fn func(*task)) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		p.workers <- struct{}{}
		go func(t *task) {
			defer wg.Done()
			defer func() { <-p.workers }()
			fn(t)
		}(t)
	}
	wg.Wait()
}
