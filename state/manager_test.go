package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"hyperraft/store"
	"hyperraft/types"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	t.Cleanup(func() {
		if err := kv.Close(); err != nil {
			t.Error(err)
		}
	})

	val, _ := types.RandValidator()
	m, err := NewManager(kv, types.NewMembershipSet([]*types.Validator{val}), log.TestingLogger())
	require.NoError(t, err)
	return m, kv
}

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

func entryAt(term, index int64, id string) *types.LogEntry {
	return &types.LogEntry{Term: term, Index: index, Batch: testBatch(id)}
}

func TestManagerAppendAsLeader(t *testing.T) {
	m, kv := newTestManager(t)

	require.NoError(t, m.UpdateTerm(2, nil))

	e1, err := m.AppendAsLeader(testBatch("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e1.Term)
	assert.EqualValues(t, 1, e1.Index)

	e2, err := m.AppendAsLeader(testBatch("b"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, e2.Index)

	idx, term := m.LastLogPosition()
	assert.EqualValues(t, 2, idx)
	assert.EqualValues(t, 2, term)

	// entries reached the durable store, not just memory
	stored, err := kv.Entry(2)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, e2.PayloadHash(), stored.PayloadHash())
}

func TestManagerRecoversFromStore(t *testing.T) {
	db := memdb.NewDB()
	kv := store.NewKVStoreWithDB(db, log.TestingLogger())
	val, _ := types.RandValidator()
	members := types.NewMembershipSet([]*types.Validator{val})

	m, err := NewManager(kv, members, log.TestingLogger())
	require.NoError(t, err)
	require.NoError(t, m.UpdateTerm(3, nil))
	_, err = m.AppendAsLeader(testBatch("a"))
	require.NoError(t, err)
	_, err = m.AppendAsLeader(testBatch("b"))
	require.NoError(t, err)

	// a manager built over the same db starts where the old one left off
	recovered, err := NewManager(store.NewKVStoreWithDB(db, log.TestingLogger()), members, log.TestingLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 3, recovered.CurrentTerm())
	idx, term := recovered.LastLogPosition()
	assert.EqualValues(t, 2, idx)
	assert.EqualValues(t, 3, term)
}

func TestManagerUpdateTerm(t *testing.T) {
	m, _ := newTestManager(t)

	candA := types.Address([]byte("aaaaaaaaaaaaaaaaaaaa"))
	candB := types.Address([]byte("bbbbbbbbbbbbbbbbbbbb"))

	require.NoError(t, m.UpdateTerm(2, candA))
	assert.EqualValues(t, 2, m.CurrentTerm())
	assert.Equal(t, candA, m.VotedFor())

	// only one grant per term
	err := m.UpdateTerm(2, candB)
	require.Error(t, err)
	assert.Equal(t, candA, m.VotedFor())

	// re-recording the same grant is fine
	require.NoError(t, m.UpdateTerm(2, candA))

	// a lower term is stale
	assert.Equal(t, ErrStaleTerm, m.UpdateTerm(1, nil))

	// a higher term resets the vote
	require.NoError(t, m.UpdateTerm(3, nil))
	assert.Nil(t, m.VotedFor())
	require.NoError(t, m.UpdateTerm(3, candB))
	assert.Equal(t, candB, m.VotedFor())
}

func TestManagerUpdateTermStoreFailure(t *testing.T) {
	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	fs := store.NewFailingStore(kv)
	val, _ := types.RandValidator()
	m, err := NewManager(fs, types.NewMembershipSet([]*types.Validator{val}), log.TestingLogger())
	require.NoError(t, err)

	// nothing takes effect in memory if the durable write fails
	err = m.UpdateTerm(5, types.Address([]byte("aaaaaaaaaaaaaaaaaaaa")))
	require.Error(t, err)
	assert.EqualValues(t, 0, m.CurrentTerm())
	assert.Nil(t, m.VotedFor())
}

func TestManagerAppendEntriesConsistency(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.UpdateTerm(1, nil))
	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{
		entryAt(1, 1, "a"),
		entryAt(1, 2, "b"),
	}))
	idx, _ := m.LastLogPosition()
	assert.EqualValues(t, 2, idx)

	// stale term
	assert.Equal(t, ErrStaleTerm, m.AppendEntries(0, 2, 1, nil))

	// prev entry missing: conflict hint is the tail+1
	err := m.AppendEntries(1, 5, 1, []*types.LogEntry{entryAt(1, 6, "x")})
	inc, ok := IsLogInconsistency(err)
	require.True(t, ok)
	assert.EqualValues(t, 3, inc.ConflictIndex)

	// prev entry with the wrong term: hint backs up to the start of
	// the conflicting term
	err = m.AppendEntries(1, 2, 9, []*types.LogEntry{entryAt(1, 3, "x")})
	inc, ok = IsLogInconsistency(err)
	require.True(t, ok)
	assert.EqualValues(t, 1, inc.ConflictIndex)
}

func TestManagerAppendEntriesDuplicatesAndConflicts(t *testing.T) {
	m, _ := newTestManager(t)

	e1 := entryAt(1, 1, "a")
	e2 := entryAt(1, 2, "b")
	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{e1, e2}))

	// exact duplicate delivery is a no-op
	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{e1, e2}))
	idx, _ := m.LastLogPosition()
	assert.EqualValues(t, 2, idx)

	// a higher-term entry at index 2 truncates the old suffix
	replacement := entryAt(2, 2, "b2")
	require.NoError(t, m.AppendEntries(2, 1, 1, []*types.LogEntry{replacement}))

	got := m.EntryAt(2)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.Term)
	assert.Equal(t, replacement.PayloadHash(), got.PayloadHash())
}

func TestManagerNeverTruncatesCommitted(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{
		entryAt(1, 1, "a"),
		entryAt(1, 2, "b"),
	}))
	require.NoError(t, m.AdvanceCommitIndex(2))

	err := m.AppendEntries(2, 1, 1, []*types.LogEntry{entryAt(2, 2, "b2")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committed")

	// the committed entry survived
	got := m.EntryAt(2)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.Term)
}

func TestManagerCommitIndex(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{
		entryAt(1, 1, "a"),
		entryAt(1, 2, "b"),
		entryAt(1, 3, "c"),
	}))

	require.NoError(t, m.AdvanceCommitIndex(2))
	assert.EqualValues(t, 2, m.CommitIndex())

	// never backward
	require.NoError(t, m.AdvanceCommitIndex(1))
	assert.EqualValues(t, 2, m.CommitIndex())

	// never past the tail
	assert.Equal(t, ErrCommitAheadOfLog, m.AdvanceCommitIndex(9))
}

func TestManagerWaitCommitted(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{
		entryAt(1, 1, "a"),
		entryAt(1, 2, "b"),
	}))
	require.NoError(t, m.AdvanceCommitIndex(1))

	// already committed: closed immediately
	select {
	case <-m.WaitCommitted(1):
	case <-time.After(time.Second):
		t.Fatal("waiter for committed index did not fire")
	}

	ch := m.WaitCommitted(2)
	select {
	case <-ch:
		t.Fatal("waiter fired before commit")
	default:
	}

	require.NoError(t, m.AdvanceCommitIndex(2))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire on commit")
	}
}

func TestManagerRead(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AppendEntries(1, 0, 0, []*types.LogEntry{
		entryAt(1, 1, "a"),
		entryAt(1, 2, "b"),
		entryAt(1, 3, "c"),
	}))

	all := m.Read(1, -1)
	require.Len(t, all, 3)

	mid := m.Read(2, 2)
	require.Len(t, mid, 1)
	assert.EqualValues(t, 2, mid[0].Index)

	assert.Nil(t, m.Read(4, -1))
}
