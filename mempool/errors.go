package mempool

import "errors"

var (
	// ErrBatchInPool is returned when a batch id is already queued.
	ErrBatchInPool = errors.New("batch already exists in pool")
	// ErrBatchKnown is returned when a batch id was already resolved;
	// callers should fetch the recorded result instead.
	ErrBatchKnown = errors.New("batch id already resolved")
	// ErrPoolFull is returned when the intake queue is at capacity.
	ErrPoolFull = errors.New("batch pool is full")
)
