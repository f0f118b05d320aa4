package core

import (
	"bytes"
	"container/list"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"hyperraft/config"
	"hyperraft/election"
	"hyperraft/mempool"
	"hyperraft/pipeline"
	"hyperraft/state"
	"hyperraft/types"
)

const defaultResultCacheSize = 10000

// Core is the consensus orchestrator. It owns the submission path on
// the leader (pool -> log append -> pipeline), the apply path on
// followers (committed entries re-executed through the same pipeline)
// and the operator surface (status, metrics, forced elections).
type Core struct {
	service.BaseService

	cfg     *config.PipelineConfig
	chainID string

	pool     mempool.BatchPool
	stateMgr *state.Manager
	election *election.Manager
	pipe     *pipeline.Pipeline

	mtx           tmsync.Mutex
	waiters       map[string][]chan batchOutcome
	pending       map[string]struct{}
	resolved      *resultCache
	lastProcessed int64

	procCh chan *types.LogEntry

	batching *BatchingPolicy
	perf     *perfStats
}

func NewCore(
	cfg *config.PipelineConfig,
	chainID string,
	pool mempool.BatchPool,
	stateMgr *state.Manager,
	electionMgr *election.Manager,
	pipe *pipeline.Pipeline,
) *Core {
	c := &Core{
		cfg:           cfg,
		chainID:       chainID,
		pool:          pool,
		stateMgr:      stateMgr,
		election:      electionMgr,
		pipe:          pipe,
		waiters:       make(map[string][]chan batchOutcome),
		pending:       make(map[string]struct{}),
		resolved:      newResultCache(defaultResultCacheSize),
		lastProcessed: stateMgr.CommitIndex(),
		procCh:        make(chan *types.LogEntry, 64),
		batching:      NewBatchingPolicy(cfg),
		perf:          newPerfStats(),
	}
	c.BaseService = *service.NewBaseService(nil, "CORE", c)
	return c
}

func (c *Core) SetLogger(logger log.Logger) {
	c.Logger = logger
}

func (c *Core) OnStart() error {
	go c.submitRoutine()
	go c.processRoutine()
	go c.applyRoutine()
	c.Logger.Info("orchestrator started", "lastProcessed", c.lastProcessed)
	return nil
}

func (c *Core) OnStop() {}

//-----------------------------------------------------------------------------
// client surface

// SubmitBatch queues batch for consensus and waits for its resolution
// or ctx's deadline, whichever is first. A deadline does not cancel
// the in-flight work: the batch keeps going and PollBatch serves the
// eventual outcome. Batch ids are idempotency keys; resubmitting a
// resolved id returns the recorded result without re-execution.
func (c *Core) SubmitBatch(ctx context.Context, batch *types.TransactionBatch) (*types.BatchResult, error) {
	if !c.IsRunning() {
		return nil, ErrShutdown
	}
	if err := batch.ValidateBasic(); err != nil {
		return nil, err
	}
	if batch.Size() == 0 {
		return nil, ErrEmptyBatch
	}
	if batch.Size() > c.batching.Target() {
		return nil, ErrBatchTooLarge
	}

	if res, ok := c.resolved.Get(batch.ID); ok {
		return res, nil
	}
	if !c.election.IsLeader() {
		return nil, ErrNotLeader{LeaderHint: c.election.Leader()}
	}

	ch := c.addWaiter(batch.ID)

	c.mtx.Lock()
	_, inFlight := c.pending[batch.ID]
	c.mtx.Unlock()
	if inFlight {
		// already reaped from the pool, ride the existing work
		return c.waitResult(ctx, batch.ID, ch)
	}

	if err := c.pool.AddBatch(batch); err != nil {
		switch err {
		case mempool.ErrBatchInPool:
			// someone already submitted this id, piggyback on it
		case mempool.ErrBatchKnown:
			c.removeWaiter(batch.ID, ch)
			if res, ok := c.resolved.Get(batch.ID); ok {
				return res, nil
			}
			return nil, ErrUnknownBatch
		default:
			c.removeWaiter(batch.ID, ch)
			return nil, err
		}
	} else {
		c.mtx.Lock()
		c.pending[batch.ID] = struct{}{}
		c.mtx.Unlock()
	}

	return c.waitResult(ctx, batch.ID, ch)
}

// batchOutcome is what a waiter wakes up with: a final result, or a
// hard submission error that was never recorded as a result.
type batchOutcome struct {
	result *types.BatchResult
	err    error
}

// waitResult blocks until the batch resolves, the caller's deadline
// fires, or shutdown. A deadline leaves the work in flight.
func (c *Core) waitResult(ctx context.Context, id string, ch chan batchOutcome) (*types.BatchResult, error) {
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		c.removeWaiter(id, ch)
		return &types.BatchResult{BatchID: id, TimedOut: true}, nil
	case <-c.Quit():
		c.removeWaiter(id, ch)
		return nil, ErrShutdown
	}
}

// PollBatch reports the outcome of a previously submitted batch.
// inFlight is true while the batch is still working through the
// pipeline.
func (c *Core) PollBatch(id string) (result *types.BatchResult, inFlight bool, err error) {
	if res, ok := c.resolved.Get(id); ok {
		return res, false, nil
	}
	c.mtx.Lock()
	_, pend := c.pending[id]
	c.mtx.Unlock()
	if pend {
		return nil, true, nil
	}
	return nil, false, ErrUnknownBatch
}

// StatusInfo is the operator-facing node status.
type StatusInfo struct {
	ChainID         string          `json:"chain_id"`
	Term            int64           `json:"term"`
	Step            types.StateType `json:"step"`
	Leader          types.Address   `json:"leader"`
	Degraded        bool            `json:"degraded"`
	CommitIndex     int64           `json:"commit_index"`
	LastLogIndex    int64           `json:"last_log_index"`
	PoolSize        int             `json:"pool_size"`
	BatchSizeTarget int             `json:"batch_size_target"`
}

func (c *Core) GetStatus() StatusInfo {
	es := c.election.GetStatus()
	snap := c.stateMgr.Snapshot()
	return StatusInfo{
		ChainID:         c.chainID,
		Term:            es.Term,
		Step:            es.Step,
		Leader:          es.Leader,
		Degraded:        es.Degraded,
		CommitIndex:     snap.CommitIndex,
		LastLogIndex:    snap.LastLogIndex,
		PoolSize:        c.pool.Size(),
		BatchSizeTarget: c.batching.Target(),
	}
}

// GetMetrics cuts a performance snapshot.
func (c *Core) GetMetrics() PerformanceSnapshot {
	return c.perf.snapshot(c.batching.Target())
}

// TriggerElection makes this node stand for election immediately.
func (c *Core) TriggerElection() {
	c.election.ForceElection()
}

// Metric adapts the performance snapshot to the metric registry.
func (c *Core) Metric() coreMetricItem {
	return coreMetricItem{c}
}

type coreMetricItem struct{ c *Core }

func (mi coreMetricItem) JSONString() string {
	return mi.c.GetMetrics().JSONString()
}

//-----------------------------------------------------------------------------
// leader submission path

// submitRoutine drains the pool while this node is leader: append to
// the log, kick replication, hand the entry to the process routine.
func (c *Core) submitRoutine() {
	for {
		select {
		case <-c.Quit():
			return
		case <-c.pool.WaitChan():
		case <-time.After(100 * time.Millisecond):
			// re-check leadership for batches queued before we won
		}

		for c.pool.Size() > 0 {
			if !c.election.IsLeader() {
				c.failQueued()
				break
			}
			batch := c.pool.ReapBatch()
			if batch == nil {
				break
			}
			entry, err := c.stateMgr.AppendAsLeader(batch)
			if err != nil {
				c.Logger.Error("leader append failed", "batch", batch.ID, "err", err)
				// a store failure is not a verdict on the batch: waiters
				// get a hard error, nothing is cached, and the same id
				// may be resubmitted once the store recovers
				c.fail(batch.ID, errors.Wrap(err, "durable append failed"))
				continue
			}
			c.claim(entry.Index)
			c.election.NotifyNewEntry()

			select {
			case c.procCh <- entry:
			case <-c.Quit():
				return
			}
		}
	}
}

// failQueued resolves every queued batch with a leadership-lost
// rejection; the new leader never saw them.
func (c *Core) failQueued() {
	for {
		batch := c.pool.ReapBatch()
		if batch == nil {
			return
		}
		es := c.election.GetStatus()
		c.finalize(batch.ID, rejectAll(batch, es.Term, 0, types.ReasonLeadershipLost), 0)
	}
}

// processRoutine resolves appended entries strictly in log order; the
// pipeline's commit gate keeps it honest with replication.
func (c *Core) processRoutine() {
	for {
		select {
		case <-c.Quit():
			return
		case entry := <-c.procCh:
			start := time.Now()
			result := c.pipe.Process(entry)

			// leadership may have changed under us and replaced the
			// entry at this index
			cur := c.stateMgr.EntryAt(entry.Index)
			if cur == nil || !bytes.Equal(cur.PayloadHash(), entry.PayloadHash()) {
				c.unclaim(entry.Index)
			}
			c.finalize(entry.Batch.ID, result, time.Since(start))
		}
	}
}

// applyRoutine is the follower half: committed entries that nobody on
// this node has processed yet are re-executed through the pipeline so
// every replica folds the same state.
func (c *Core) applyRoutine() {
	for {
		c.mtx.Lock()
		next := c.lastProcessed + 1
		c.mtx.Unlock()

		select {
		case <-c.Quit():
			return
		case <-c.stateMgr.WaitCommitted(next):
		}

		if !c.claim(next) {
			continue // the submission path got there first
		}
		entry := c.stateMgr.EntryAt(next)
		if entry == nil {
			c.unclaim(next)
			continue
		}

		start := time.Now()
		result := c.pipe.Process(entry)
		c.finalize(entry.Batch.ID, result, time.Since(start))
	}
}

//-----------------------------------------------------------------------------
// bookkeeping

// claim marks index as being processed. Strictly sequential: claiming
// out of order fails.
func (c *Core) claim(index int64) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if index != c.lastProcessed+1 {
		return false
	}
	c.lastProcessed = index
	return true
}

func (c *Core) unclaim(index int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.lastProcessed == index {
		c.lastProcessed = index - 1
	}
}

// finalize records the outcome, feeds the adaptive policies and wakes
// the batch's waiters.
func (c *Core) finalize(batchID string, result *types.BatchResult, elapsed time.Duration) {
	c.pool.MarkResolved(batchID)
	c.resolved.Push(batchID, result)

	if elapsed > 0 {
		c.batching.Observe(elapsed, result.Success())
		c.perf.observe(result.Accepted, elapsed, result.Success())
	}

	c.mtx.Lock()
	delete(c.pending, batchID)
	chans := c.waiters[batchID]
	delete(c.waiters, batchID)
	c.mtx.Unlock()

	for _, ch := range chans {
		select {
		case ch <- batchOutcome{result: result}:
		default:
		}
	}
}

// fail wakes the batch's waiters with err and drops the batch without
// recording an outcome, so a resubmit retries instead of being served
// the failure from the cache.
func (c *Core) fail(batchID string, err error) {
	c.mtx.Lock()
	delete(c.pending, batchID)
	chans := c.waiters[batchID]
	delete(c.waiters, batchID)
	c.mtx.Unlock()

	for _, ch := range chans {
		select {
		case ch <- batchOutcome{err: err}:
		default:
		}
	}
}

func (c *Core) addWaiter(id string) chan batchOutcome {
	ch := make(chan batchOutcome, 1)
	c.mtx.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mtx.Unlock()
	return ch
}

func (c *Core) removeWaiter(id string, ch chan batchOutcome) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	chans := c.waiters[id]
	for i, w := range chans {
		if w == ch {
			c.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

func rejectAll(batch *types.TransactionBatch, term, index int64, reason string) *types.BatchResult {
	result := &types.BatchResult{
		BatchID:  batch.ID,
		Term:     term,
		Index:    index,
		Rejected: len(batch.Txs),
		Results:  make([]types.TxResult, len(batch.Txs)),
	}
	for i, tx := range batch.Txs {
		result.Results[i] = types.TxResult{
			TxHash: tx.Hash(),
			Status: types.TxStatusRejected,
			Reason: reason,
		}
	}
	return result
}

//-----------------------------------------------------------------------------
// resolved result cache

// resultCache is a FIFO-bounded id -> result map; old outcomes fall
// out once capacity is hit.
type resultCache struct {
	mtx   tmsync.Mutex
	size  int
	items map[string]*types.BatchResult
	order *list.List // of string
}

func newResultCache(size int) *resultCache {
	return &resultCache{
		size:  size,
		items: make(map[string]*types.BatchResult, size),
		order: list.New(),
	}
}

func (rc *resultCache) Get(id string) (*types.BatchResult, bool) {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	res, ok := rc.items[id]
	return res, ok
}

func (rc *resultCache) Push(id string, result *types.BatchResult) {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	if _, ok := rc.items[id]; ok {
		rc.items[id] = result
		return
	}
	if rc.order.Len() >= rc.size {
		front := rc.order.Front()
		rc.order.Remove(front)
		delete(rc.items, front.Value.(string))
	}
	rc.order.PushBack(id)
	rc.items[id] = result
}
