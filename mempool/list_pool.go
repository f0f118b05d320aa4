package mempool

import (
	"container/list"
	"sync"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"hyperraft/types"
)

const defaultResolvedCacheSize = 10000

// NewListPool returns a clist backed BatchPool. maxBatches bounds the
// queue; <=0 means unbounded.
func NewListPool(maxBatches int, options ...ListPoolOption) *ListPool {
	pool := &ListPool{
		maxBatches: maxBatches,
		batches:    clist.New(),
		queued:     make(map[string]struct{}),
		resolved:   newIDCache(defaultResolvedCacheSize),
		logger:     log.NewNopLogger(),
	}

	for _, option := range options {
		option(pool)
	}

	return pool
}

// ListPool keeps submitted batches in a doubly-linked list, the same
// structure the tx mempool it grew out of used: FIFO reap order plus a
// map for O(1) duplicate checks.
type ListPool struct {
	mtx sync.Mutex

	maxBatches int
	batches    *clist.CList
	queued     map[string]struct{}
	resolved   *idCache

	logger log.Logger
}

var _ BatchPool = (*ListPool)(nil)

type ListPoolOption func(pool *ListPool)

func WithResolvedCacheSize(size int) ListPoolOption {
	return func(pool *ListPool) {
		pool.resolved = newIDCache(size)
	}
}

func (pool *ListPool) SetLogger(logger log.Logger) {
	pool.logger = logger
}

// AddBatch implements BatchPool.
func (pool *ListPool) AddBatch(batch *types.TransactionBatch) error {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if pool.resolved.Has(batch.ID) {
		return ErrBatchKnown
	}
	if _, ok := pool.queued[batch.ID]; ok {
		return ErrBatchInPool
	}
	if pool.maxBatches > 0 && pool.batches.Len() >= pool.maxBatches {
		return ErrPoolFull
	}

	pool.batches.PushBack(batch)
	pool.queued[batch.ID] = struct{}{}
	pool.logger.Debug("queued batch", "batch", batch)
	return nil
}

// ReapBatch implements BatchPool.
func (pool *ListPool) ReapBatch() *types.TransactionBatch {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	front := pool.batches.Front()
	if front == nil {
		return nil
	}
	batch := front.Value.(*types.TransactionBatch)
	pool.batches.Remove(front)
	front.DetachPrev()
	delete(pool.queued, batch.ID)
	return batch
}

// MarkResolved implements BatchPool.
func (pool *ListPool) MarkResolved(id string) {
	pool.mtx.Lock()
	pool.resolved.Push(id)
	pool.mtx.Unlock()
}

// WaitChan implements BatchPool.
func (pool *ListPool) WaitChan() <-chan struct{} {
	return pool.batches.WaitChan()
}

// Size implements BatchPool.
func (pool *ListPool) Size() int {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	return pool.batches.Len()
}

// Flush implements BatchPool.
func (pool *ListPool) Flush() {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	for e := pool.batches.Front(); e != nil; e = e.Next() {
		pool.batches.Remove(e)
		e.DetachPrev()
	}
	pool.queued = make(map[string]struct{})
}

//--------------------------------------------------------------------------------

// idCache is a bounded FIFO set of resolved batch ids.
type idCache struct {
	size int
	set  map[string]struct{}
	fifo *list.List
}

func newIDCache(size int) *idCache {
	return &idCache{
		size: size,
		set:  make(map[string]struct{}),
		fifo: list.New(),
	}
}

func (c *idCache) Has(id string) bool {
	_, ok := c.set[id]
	return ok
}

func (c *idCache) Push(id string) {
	if c.Has(id) {
		return
	}
	if c.fifo.Len() >= c.size {
		oldest := c.fifo.Front()
		delete(c.set, oldest.Value.(string))
		c.fifo.Remove(oldest)
	}
	c.set[id] = struct{}{}
	c.fifo.PushBack(id)
}
