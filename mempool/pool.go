package mempool

import (
	"hyperraft/types"
)

// BatchPool is the intake queue between submitters and the consensus
// orchestrator. Batches leave the pool in arrival order; that order is
// the serialization order into the log. Batch ids act as idempotency
// keys: a queued or resolved id is refused.
type BatchPool interface {
	// AddBatch queues a batch. Returns ErrBatchInPool / ErrBatchKnown
	// for duplicate ids and ErrPoolFull at capacity.
	AddBatch(batch *types.TransactionBatch) error

	// ReapBatch pops the oldest queued batch, or nil when empty.
	ReapBatch() *types.TransactionBatch

	// MarkResolved records that a batch id has completed the
	// pipeline; later AddBatch calls with the id get ErrBatchKnown.
	MarkResolved(id string)

	// WaitChan fires when the pool becomes non-empty.
	WaitChan() <-chan struct{}

	Size() int
	Flush()
}
