package mempool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"

	"hyperraft/types"
)

func testBatch(id string) *types.TransactionBatch {
	priv := ed25519.GenPrivKey()
	tx := &types.Tx{
		Sender:  types.Address(priv.PubKey().Address()),
		Nonce:   1,
		Payload: []byte("payload-" + id),
	}
	sig, err := priv.Sign(tx.SignBytes())
	if err != nil {
		panic(err)
	}
	tx.Signature = sig
	return types.MakeBatch(id, types.Txs{tx})
}

func TestListPoolFIFOOrder(t *testing.T) {
	pool := NewListPool(0)
	pool.SetLogger(log.TestingLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.AddBatch(testBatch(fmt.Sprintf("batch-%d", i))))
	}
	assert.Equal(t, 5, pool.Size())

	for i := 0; i < 5; i++ {
		batch := pool.ReapBatch()
		require.NotNil(t, batch)
		assert.Equal(t, fmt.Sprintf("batch-%d", i), batch.ID)
	}
	assert.Equal(t, 0, pool.Size())
	assert.Nil(t, pool.ReapBatch())
}

func TestListPoolDuplicateIDs(t *testing.T) {
	pool := NewListPool(0)

	require.NoError(t, pool.AddBatch(testBatch("a")))
	assert.Equal(t, ErrBatchInPool, pool.AddBatch(testBatch("a")))

	// reaping frees the id for requeueing until it resolves
	require.NotNil(t, pool.ReapBatch())
	require.NoError(t, pool.AddBatch(testBatch("a")))

	pool.MarkResolved("a")
	require.NotNil(t, pool.ReapBatch())
	assert.Equal(t, ErrBatchKnown, pool.AddBatch(testBatch("a")))
}

func TestListPoolCapacity(t *testing.T) {
	pool := NewListPool(2)

	require.NoError(t, pool.AddBatch(testBatch("a")))
	require.NoError(t, pool.AddBatch(testBatch("b")))
	assert.Equal(t, ErrPoolFull, pool.AddBatch(testBatch("c")))

	require.NotNil(t, pool.ReapBatch())
	assert.NoError(t, pool.AddBatch(testBatch("c")))
}

func TestListPoolWaitChan(t *testing.T) {
	pool := NewListPool(0)

	select {
	case <-pool.WaitChan():
		t.Fatal("wait chan fired on an empty pool")
	default:
	}

	require.NoError(t, pool.AddBatch(testBatch("a")))

	select {
	case <-pool.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("wait chan never fired")
	}
}

func TestListPoolFlush(t *testing.T) {
	pool := NewListPool(0)

	require.NoError(t, pool.AddBatch(testBatch("a")))
	require.NoError(t, pool.AddBatch(testBatch("b")))
	pool.Flush()

	assert.Equal(t, 0, pool.Size())
	// flushed ids were never resolved, so they can be submitted again
	assert.NoError(t, pool.AddBatch(testBatch("a")))
}

func TestIDCacheEvictsOldest(t *testing.T) {
	cache := newIDCache(2)

	cache.Push("a")
	cache.Push("b")
	cache.Push("c")

	assert.False(t, cache.Has("a"))
	assert.True(t, cache.Has("b"))
	assert.True(t, cache.Has("c"))

	// re-pushing a present id does not grow the cache
	cache.Push("c")
	assert.True(t, cache.Has("b"))
}
