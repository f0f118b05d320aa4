package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"hyperraft/config"
	"hyperraft/crypto/bls"
	"hyperraft/election"
	"hyperraft/mempool"
	"hyperraft/pipeline"
	"hyperraft/state"
	"hyperraft/store"
	"hyperraft/types"
)

const testChainID = "hyperraft-test-chain"

type testNode struct {
	core     *Core
	election *election.Manager
	stateMgr *state.Manager
	pool     *mempool.ListPool
}

// newTestNode wires a full single-process consensus stack over an
// in-memory store. privs[0] is the local node; extraWeights add remote
// roster members that never answer, so with any extras the local node
// cannot win an election.
func newTestNode(t *testing.T, pipeOpts []pipeline.Option, weights ...int64) *testNode {
	t.Helper()

	valz := make([]*types.Validator, len(weights))
	pv := types.NewMockPV()
	for i, w := range weights {
		if i == 0 {
			pub, err := pv.GetPubKey()
			require.NoError(t, err)
			valz[i] = types.NewWeightedValidator(pub, w)
			continue
		}
		remote, err := types.NewMockPV().GetPubKey()
		require.NoError(t, err)
		valz[i] = types.NewWeightedValidator(remote, w)
	}
	members := types.NewMembershipSet(valz)

	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	sm, err := state.NewManager(kv, members, log.TestingLogger())
	require.NoError(t, err)

	cfg := config.DefaultPipelineConfig()
	cfg.BatchTimeout = 5 * time.Second

	electionMgr := election.NewManager(config.TestConsensusConfig(), testChainID, pv, sm)
	electionMgr.SetLogger(log.TestingLogger())

	pipeQuit := make(chan struct{})
	pipe := pipeline.NewPipeline(cfg, sm, bls.GenProofKey(), pipeQuit, pipeOpts...)
	pipe.SetLogger(log.TestingLogger())

	pool := mempool.NewListPool(100)
	pool.SetLogger(log.TestingLogger())

	c := NewCore(cfg, testChainID, pool, sm, electionMgr, pipe)
	c.SetLogger(log.TestingLogger())

	require.NoError(t, electionMgr.Start())
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		if err := c.Stop(); err != nil {
			t.Error(err)
		}
		close(pipeQuit)
		if err := electionMgr.Stop(); err != nil {
			t.Error(err)
		}
		if err := kv.Close(); err != nil {
			t.Error(err)
		}
	})

	return &testNode{core: c, election: electionMgr, stateMgr: sm, pool: pool}
}

func (n *testNode) waitLeader(t *testing.T) {
	t.Helper()
	require.Eventually(t, n.election.IsLeader, 5*time.Second, 10*time.Millisecond,
		"single node never elected itself")
}

func coreTestBatch(id string, n int) *types.TransactionBatch {
	priv := ed25519.GenPrivKey()
	txs := make(types.Txs, n)
	for i := 0; i < n; i++ {
		tx := &types.Tx{
			Sender:  types.Address(priv.PubKey().Address()),
			Nonce:   uint64(i + 1),
			Payload: []byte(fmt.Sprintf("payload-%s-%d", id, i)),
		}
		sig, err := priv.Sign(tx.SignBytes())
		if err != nil {
			panic(err)
		}
		tx.Signature = sig
		txs[i] = tx
	}
	return types.MakeBatch(id, txs)
}

func TestSubmitBatchSingleNodeResolves(t *testing.T) {
	n := newTestNode(t, nil, 10)
	n.waitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := n.core.SubmitBatch(ctx, coreTestBatch("single", 3))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.True(t, result.Success())

	// the entry is committed and folded
	assert.EqualValues(t, 1, n.stateMgr.CommitIndex())
}

func TestSubmitBatchIdempotentResubmit(t *testing.T) {
	n := newTestNode(t, nil, 10)
	n.waitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := n.core.SubmitBatch(ctx, coreTestBatch("idem", 2))
	require.NoError(t, err)
	require.Equal(t, 2, first.Accepted)

	// same id again: the recorded result comes back, nothing re-runs
	again, err := n.core.SubmitBatch(ctx, coreTestBatch("idem", 2))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	idx, _ := n.stateMgr.LastLogPosition()
	assert.EqualValues(t, 1, idx, "resubmission must not append a second entry")
}

func TestSubmitBatchNotLeader(t *testing.T) {
	// two silent remote members outweigh us: no quorum, never leader
	n := newTestNode(t, nil, 1, 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := n.core.SubmitBatch(ctx, coreTestBatch("rejected", 1))
	require.Error(t, err)
	assert.True(t, IsNotLeader(err))
}

func TestSubmitBatchTooLarge(t *testing.T) {
	n := newTestNode(t, nil, 10)
	n.waitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	target := n.core.batching.Target()
	_, err := n.core.SubmitBatch(ctx, coreTestBatch("oversized", target+1))
	assert.Equal(t, ErrBatchTooLarge, err)
}

func TestSubmitBatchDeadlineLeavesWorkInFlight(t *testing.T) {
	slow := pipeline.WithProofFunc(func(msg []byte) ([]byte, error) {
		time.Sleep(300 * time.Millisecond)
		return bls.GenProofKey().Sign(msg)
	})
	n := newTestNode(t, []pipeline.Option{slow}, 10)
	n.waitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := n.core.SubmitBatch(ctx, coreTestBatch("slow", 1))
	require.NoError(t, err)
	assert.True(t, result.TimedOut)

	// the batch keeps going; the outcome lands in the poll surface
	require.Eventually(t, func() bool {
		res, inFlight, err := n.core.PollBatch("slow")
		return err == nil && !inFlight && res != nil && res.Accepted == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitBatchStoreFailureIsNotCached(t *testing.T) {
	pv := types.NewMockPV()
	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	members := types.NewMembershipSet([]*types.Validator{types.NewWeightedValidator(pub, 10)})

	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	fs := store.NewFailingStore(kv)
	fs.FailAppends = false
	fs.FailHardState = false
	sm, err := state.NewManager(fs, members, log.TestingLogger())
	require.NoError(t, err)

	cfg := config.DefaultPipelineConfig()
	electionMgr := election.NewManager(config.TestConsensusConfig(), testChainID, pv, sm)
	electionMgr.SetLogger(log.TestingLogger())

	pipeQuit := make(chan struct{})
	pipe := pipeline.NewPipeline(cfg, sm, bls.GenProofKey(), pipeQuit)
	pipe.SetLogger(log.TestingLogger())
	pool := mempool.NewListPool(100)

	c := NewCore(cfg, testChainID, pool, sm, electionMgr, pipe)
	c.SetLogger(log.TestingLogger())

	require.NoError(t, electionMgr.Start())
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		if err := c.Stop(); err != nil {
			t.Error(err)
		}
		close(pipeQuit)
		if err := electionMgr.Stop(); err != nil {
			t.Error(err)
		}
		if err := kv.Close(); err != nil {
			t.Error(err)
		}
	})
	require.Eventually(t, electionMgr.IsLeader, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a broken store surfaces as a hard submission error, not a result
	fs.FailAppends = true
	_, err = c.SubmitBatch(ctx, coreTestBatch("flaky-store", 1))
	require.Error(t, err)

	// the failure was not recorded as an outcome
	_, _, err = c.PollBatch("flaky-store")
	assert.Equal(t, ErrUnknownBatch, err)

	// once the store recovers the same id goes through
	fs.FailAppends = false
	result, err := c.SubmitBatch(ctx, coreTestBatch("flaky-store", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
}

func TestPollBatchUnknown(t *testing.T) {
	n := newTestNode(t, nil, 10)

	_, _, err := n.core.PollBatch("never-seen")
	assert.Equal(t, ErrUnknownBatch, err)
}

func TestGetStatus(t *testing.T) {
	n := newTestNode(t, nil, 10)
	n.waitLeader(t)

	st := n.core.GetStatus()
	assert.Equal(t, testChainID, st.ChainID)
	assert.Equal(t, types.StateLeader, st.Step)
	assert.False(t, st.Degraded)
	assert.Equal(t, n.core.batching.Target(), st.BatchSizeTarget)
}

func TestCoreShutdownLeaksNothing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	valz := make([]*types.Validator, 1)
	pv := types.NewMockPV()
	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	valz[0] = types.NewWeightedValidator(pub, 10)

	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	sm, err := state.NewManager(kv, types.NewMembershipSet(valz), log.TestingLogger())
	require.NoError(t, err)

	cfg := config.DefaultPipelineConfig()
	electionMgr := election.NewManager(config.TestConsensusConfig(), testChainID, pv, sm)
	electionMgr.SetLogger(log.TestingLogger())

	pipeQuit := make(chan struct{})
	pipe := pipeline.NewPipeline(cfg, sm, bls.GenProofKey(), pipeQuit)
	pool := mempool.NewListPool(100)

	c := NewCore(cfg, testChainID, pool, sm, electionMgr, pipe)
	c.SetLogger(log.TestingLogger())

	require.NoError(t, electionMgr.Start())
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, electionMgr.IsLeader, 5*time.Second, 10*time.Millisecond)
	_, err = c.SubmitBatch(ctx, coreTestBatch("shutdown", 1))
	require.NoError(t, err)

	require.NoError(t, c.Stop())
	close(pipeQuit)
	require.NoError(t, electionMgr.Stop())
	require.NoError(t, kv.Close())

	// the orchestrator routines must all exit with the service
	leaktest.CheckTimeout(t, 10*time.Second)()
}

//-----------------------------------------------------------------------------
// batching policy

func TestBatchingPolicyGrowsAdditively(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	bp := NewBatchingPolicy(cfg)
	require.Equal(t, cfg.InitialBatchSize, bp.Target())

	bp.Observe(10*time.Millisecond, true)
	assert.Equal(t, cfg.InitialBatchSize+cfg.MinBatchSize, bp.Target())

	bp.Observe(10*time.Millisecond, true)
	assert.Equal(t, cfg.InitialBatchSize+2*cfg.MinBatchSize, bp.Target())
}

func TestBatchingPolicyHalvesOnLatency(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	bp := NewBatchingPolicy(cfg)

	bp.Observe(cfg.LatencyCeiling+time.Second, true)
	assert.Equal(t, cfg.InitialBatchSize/2, bp.Target())
}

func TestBatchingPolicyHalvesOnFailureRate(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.SuccessFloor = 0.9
	bp := NewBatchingPolicy(cfg)

	before := bp.Target()
	// one failure in a tiny window drops the success rate below 0.9
	bp.Observe(10*time.Millisecond, false)
	assert.Less(t, bp.Target(), before)
}

func TestBatchingPolicyClamps(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	bp := NewBatchingPolicy(cfg)

	// halve to the floor
	for i := 0; i < 20; i++ {
		bp.Observe(cfg.LatencyCeiling+time.Second, true)
	}
	assert.Equal(t, cfg.MinBatchSize, bp.Target())

	// grow back to the ceiling
	for i := 0; i < 1000; i++ {
		bp.Observe(10*time.Millisecond, true)
	}
	assert.Equal(t, cfg.MaxBatchSize, bp.Target())
}

//-----------------------------------------------------------------------------
// result cache

func TestResultCacheFIFO(t *testing.T) {
	rc := newResultCache(2)

	rc.Push("a", &types.BatchResult{BatchID: "a"})
	rc.Push("b", &types.BatchResult{BatchID: "b"})
	rc.Push("c", &types.BatchResult{BatchID: "c"})

	_, ok := rc.Get("a")
	assert.False(t, ok, "oldest entry must fall out")
	_, ok = rc.Get("b")
	assert.True(t, ok)
	_, ok = rc.Get("c")
	assert.True(t, ok)

	// overwriting a present id does not evict
	rc.Push("b", &types.BatchResult{BatchID: "b", Accepted: 1})
	res, ok := rc.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1, res.Accepted)
	_, ok = rc.Get("c")
	assert.True(t, ok)
}
