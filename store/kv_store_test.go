package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"hyperraft/types"
)

func newTestStore(t *testing.T) *KVStore {
	kv := NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	t.Cleanup(func() {
		if err := kv.Close(); err != nil {
			t.Error(err)
		}
	})
	return kv
}

func testEntry(term, index int64, id string) *types.LogEntry {
	priv := ed25519.GenPrivKey()
	tx := &types.Tx{
		Sender:  types.Address(priv.PubKey().Address()),
		Nonce:   uint64(index),
		Payload: []byte("payload-" + id),
	}
	sig, err := priv.Sign(tx.SignBytes())
	if err != nil {
		panic(err)
	}
	tx.Signature = sig
	return &types.LogEntry{
		Term:  term,
		Index: index,
		Batch: types.MakeBatch(id, types.Txs{tx}),
	}
}

func TestKVStoreAppendAndRead(t *testing.T) {
	kv := newTestStore(t)

	last, err := kv.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 0, last)

	entries := []*types.LogEntry{
		testEntry(1, 1, "a"),
		testEntry(1, 2, "b"),
		testEntry(2, 3, "c"),
	}
	require.NoError(t, kv.Append(entries))

	last, err = kv.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 3, last)

	got, err := kv.ReadRange(1, -1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, entries[i].Index, e.Index)
		assert.Equal(t, entries[i].Term, e.Term)
		assert.Equal(t, entries[i].PayloadHash(), e.PayloadHash())
	}

	got, err = kv.ReadRange(2, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].Index)

	e, err := kv.Entry(9)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestKVStoreAppendRejectsGap(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Append([]*types.LogEntry{testEntry(1, 1, "a")}))

	err := kv.Append([]*types.LogEntry{testEntry(1, 3, "c")})
	assert.Equal(t, ErrNotContiguous, err)

	err = kv.Append([]*types.LogEntry{testEntry(1, 2, "b"), testEntry(1, 4, "d")})
	assert.Equal(t, ErrNotContiguous, err)
}

func TestKVStoreAppendOverwritesInPlace(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Append([]*types.LogEntry{
		testEntry(1, 1, "a"),
		testEntry(1, 2, "b"),
	}))

	// a re-append at an existing index replaces the entry without
	// moving the tail
	replacement := testEntry(2, 2, "b2")
	require.NoError(t, kv.Append([]*types.LogEntry{replacement}))

	last, err := kv.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	got, err := kv.Entry(2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.Term)
	assert.Equal(t, replacement.PayloadHash(), got.PayloadHash())
}

func TestKVStoreTruncateFrom(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Append([]*types.LogEntry{
		testEntry(1, 1, "a"),
		testEntry(1, 2, "b"),
		testEntry(1, 3, "c"),
		testEntry(1, 4, "d"),
	}))

	require.NoError(t, kv.TruncateFrom(3))

	last, err := kv.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	e, err := kv.Entry(3)
	require.NoError(t, err)
	assert.Nil(t, e)

	// truncating past the tail is a no-op
	require.NoError(t, kv.TruncateFrom(10))
	last, err = kv.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)
}

func TestKVStoreHardStateRoundtrip(t *testing.T) {
	db := memdb.NewDB()
	kv := NewKVStoreWithDB(db, log.TestingLogger())

	hs, err := kv.LoadHardState()
	require.NoError(t, err)
	assert.EqualValues(t, 0, hs.Term)
	assert.Empty(t, hs.VotedFor)

	voted := types.Address([]byte("01234567890123456789"))
	require.NoError(t, kv.SaveHardState(HardState{Term: 7, VotedFor: voted}))

	// a fresh store over the same db sees the persisted state
	reopened := NewKVStoreWithDB(db, log.TestingLogger())
	hs, err = reopened.LoadHardState()
	require.NoError(t, err)
	assert.EqualValues(t, 7, hs.Term)
	assert.Equal(t, voted, hs.VotedFor)
}

func TestKVStoreApplyResults(t *testing.T) {
	kv := newTestStore(t)

	entry := testEntry(1, 1, "a")
	require.NoError(t, kv.Append([]*types.LogEntry{entry}))

	sender := entry.Batch.Txs[0].Sender

	_, known, err := kv.SenderNonce(sender)
	require.NoError(t, err)
	assert.False(t, known)

	hash, err := kv.ApplyResults(entry, entry.Batch.Txs)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	nonce, known, err := kv.SenderNonce(sender)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, entry.Batch.Txs[0].Nonce, nonce)

	// re-applying the same entry is a no-op with the same hash
	again, err := kv.ApplyResults(entry, entry.Batch.Txs)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestKVStoreApplyResultsFoldsHighestNonce(t *testing.T) {
	kv := newTestStore(t)

	priv := ed25519.GenPrivKey()
	sender := types.Address(priv.PubKey().Address())
	mkTx := func(nonce uint64) *types.Tx {
		tx := &types.Tx{Sender: sender, Nonce: nonce, Payload: []byte("p")}
		sig, err := priv.Sign(tx.SignBytes())
		require.NoError(t, err)
		tx.Signature = sig
		return tx
	}

	// out-of-nonce-order batch: the fold keeps the maximum, not the last
	// write
	entry := &types.LogEntry{Term: 1, Index: 1, Batch: types.MakeBatch("a", types.Txs{mkTx(5), mkTx(3)})}
	require.NoError(t, kv.Append([]*types.LogEntry{entry}))
	_, err := kv.ApplyResults(entry, entry.Batch.Txs)
	require.NoError(t, err)

	nonce, known, err := kv.SenderNonce(sender)
	require.NoError(t, err)
	require.True(t, known)
	assert.EqualValues(t, 5, nonce)

	// a later entry carrying a lower nonce must not regress the
	// committed one
	entry2 := &types.LogEntry{Term: 1, Index: 2, Batch: types.MakeBatch("b", types.Txs{mkTx(4)})}
	require.NoError(t, kv.Append([]*types.LogEntry{entry2}))
	_, err = kv.ApplyResults(entry2, entry2.Batch.Txs)
	require.NoError(t, err)

	nonce, _, err = kv.SenderNonce(sender)
	require.NoError(t, err)
	assert.EqualValues(t, 5, nonce)
}

func TestKVStoreAttachProof(t *testing.T) {
	kv := newTestStore(t)

	entry := testEntry(1, 1, "a")
	require.NoError(t, kv.Append([]*types.LogEntry{entry}))

	proof := &types.AggregateProof{
		EntryIndex: 1,
		BatchHash:  entry.PayloadHash(),
		TxHashes:   []tmbytes.HexBytes{entry.Batch.Txs[0].Hash()},
		Signature:  []byte("aggregate-signature"),
	}
	require.NoError(t, kv.AttachProof(1, proof))

	got, err := kv.Entry(1)
	require.NoError(t, err)
	require.NotNil(t, got.CommitProof)
	assert.Equal(t, proof.Signature, got.CommitProof.Signature)
	assert.Equal(t, entry.PayloadHash(), got.CommitProof.BatchHash)

	assert.Error(t, kv.AttachProof(99, proof), "no entry at index")
}

func TestFailingStore(t *testing.T) {
	fs := NewFailingStore(newTestStore(t))

	err := fs.Append([]*types.LogEntry{testEntry(1, 1, "a")})
	assert.Equal(t, ErrStoreUnavailable, err)
	assert.Equal(t, ErrStoreUnavailable, fs.SaveHardState(HardState{Term: 1}))

	fs.FailAppends = false
	fs.FailHardState = false
	assert.NoError(t, fs.Append([]*types.LogEntry{testEntry(1, 1, "a")}))
	assert.NoError(t, fs.SaveHardState(HardState{Term: 1}))
}
