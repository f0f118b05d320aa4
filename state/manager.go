package state

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"hyperraft/store"
	"hyperraft/types"
)

// StatusSnapshot is the lock-free view of the authoritative state.
// Readers load it atomically; the single writer swaps a fresh copy
// after every mutation, so status queries never block appends.
type StatusSnapshot struct {
	Term         int64
	CommitIndex  int64
	LastLogIndex int64
	LastLogTerm  int64
}

// Manager is the single authoritative source of term, log and commit
// index. Every mutation goes through its writer lock and is persisted
// to the durable store before it is acknowledged; reads go through the
// snapshot or the reader half of the lock.
type Manager struct {
	mtx sync.RWMutex

	store   store.Store
	members *types.MembershipSet

	currentTerm int64
	votedFor    types.Address
	entries     []*types.LogEntry // in-memory log, entries[i].Index == i+1
	commitIndex int64

	snapshot atomic.Value // StatusSnapshot

	commitWaiters map[int64][]chan struct{}

	logger log.Logger
}

// NewManager recovers term, vote and log tail from the durable store.
func NewManager(st store.Store, members *types.MembershipSet, logger log.Logger) (*Manager, error) {
	hs, err := st.LoadHardState()
	if err != nil {
		return nil, errors.Wrap(err, "recover hard state")
	}
	entries, err := st.ReadRange(1, -1)
	if err != nil {
		return nil, errors.Wrap(err, "recover log")
	}

	m := &Manager{
		store:         st,
		members:       members,
		currentTerm:   hs.Term,
		votedFor:      hs.VotedFor,
		entries:       entries,
		commitWaiters: make(map[int64][]chan struct{}),
		logger:        logger,
	}
	m.publishSnapshot()
	return m, nil
}

func (m *Manager) SetLogger(logger log.Logger) {
	m.logger = logger
}

//----------------------------------------
// reads

// Snapshot returns the latest published state without taking the lock.
func (m *Manager) Snapshot() StatusSnapshot {
	return m.snapshot.Load().(StatusSnapshot)
}

func (m *Manager) CurrentTerm() int64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.currentTerm
}

func (m *Manager) VotedFor() types.Address {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.votedFor
}

func (m *Manager) CommitIndex() int64 {
	return m.Snapshot().CommitIndex
}

// Members returns the membership roster. The roster is read-mostly;
// mutation goes through the manager's writer lock.
func (m *Manager) Members() *types.MembershipSet {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.members
}

// LastLogPosition returns (index, term) of the log tail.
func (m *Manager) LastLogPosition() (int64, int64) {
	snap := m.Snapshot()
	return snap.LastLogIndex, snap.LastLogTerm
}

// Read returns a copy of the entry slice with from <= index <= to;
// to < 0 means the tail. Used by status queries and replication
// catch-up.
func (m *Manager) Read(from, to int64) []*types.LogEntry {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	last := int64(len(m.entries))
	if to < 0 || to > last {
		to = last
	}
	if from < 1 {
		from = 1
	}
	if from > to {
		return nil
	}

	out := make([]*types.LogEntry, to-from+1)
	copy(out, m.entries[from-1:to])
	return out
}

// EntryAt returns the entry at index or nil.
func (m *Manager) EntryAt(index int64) *types.LogEntry {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.entryAtLocked(index)
}

func (m *Manager) entryAtLocked(index int64) *types.LogEntry {
	if index < 1 || index > int64(len(m.entries)) {
		return nil
	}
	return m.entries[index-1]
}

//----------------------------------------
// term / vote

// UpdateTerm moves the node to a higher term, durably recording the
// (term, votedFor) pair before it takes effect in memory. votedFor may
// be nil when the node merely observed the new term.
func (m *Manager) UpdateTerm(term int64, votedFor types.Address) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if term < m.currentTerm {
		return ErrStaleTerm
	}
	if term == m.currentTerm && m.votedFor != nil && votedFor != nil &&
		!m.votedFor.Equal(votedFor) {
		return errors.New("already voted in this term")
	}

	if err := m.store.SaveHardState(store.HardState{Term: term, VotedFor: votedFor}); err != nil {
		return errors.Wrap(err, "persist hard state")
	}

	if term > m.currentTerm {
		m.currentTerm = term
	}
	m.votedFor = votedFor
	m.publishSnapshotLocked()
	return nil
}

//----------------------------------------
// log mutation

// AppendAsLeader assigns the next index in the current term to batch,
// persists the entry and returns it. Only the leader's submit path
// calls this.
func (m *Manager) AppendAsLeader(batch *types.TransactionBatch) (*types.LogEntry, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	entry := &types.LogEntry{
		Term:  m.currentTerm,
		Index: int64(len(m.entries)) + 1,
		Batch: batch,
	}
	if err := m.store.Append([]*types.LogEntry{entry}); err != nil {
		return nil, errors.Wrap(err, "persist leader entry")
	}
	m.entries = append(m.entries, entry)
	m.publishSnapshotLocked()
	return entry, nil
}

// AppendEntries implements the follower half of replication: reject on
// a prev-entry mismatch, truncate a conflicting uncommitted suffix,
// persist the new entries before acknowledging. Idempotent for
// duplicate deliveries.
func (m *Manager) AppendEntries(term, prevIndex, prevTerm int64, entries []*types.LogEntry) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if term < m.currentTerm {
		return ErrStaleTerm
	}

	// consistency check against the local tail
	if prevIndex > 0 {
		prev := m.entryAtLocked(prevIndex)
		if prev == nil {
			return ErrLogInconsistency{
				PrevIndex:     prevIndex,
				PrevTerm:      prevTerm,
				ConflictIndex: int64(len(m.entries)) + 1,
			}
		}
		if prev.Term != prevTerm {
			return ErrLogInconsistency{
				PrevIndex:     prevIndex,
				PrevTerm:      prevTerm,
				ConflictIndex: m.firstIndexOfTermLocked(prev.Term),
			}
		}
	}

	// drop duplicates, find the first real conflict
	appendFrom := 0
	for i, e := range entries {
		local := m.entryAtLocked(e.Index)
		if local == nil {
			appendFrom = i
			break
		}
		if local.Term != e.Term {
			if e.Index <= m.commitIndex {
				// never overwrite a committed entry
				return errors.Errorf("refusing to truncate committed entry at %d", e.Index)
			}
			if err := m.store.TruncateFrom(e.Index); err != nil {
				return errors.Wrap(err, "truncate conflicting suffix")
			}
			m.entries = m.entries[:e.Index-1]
			appendFrom = i
			break
		}
		appendFrom = i + 1
	}

	if appendFrom >= len(entries) {
		return nil // pure duplicate
	}

	toAppend := entries[appendFrom:]
	if err := m.store.Append(toAppend); err != nil {
		return errors.Wrap(err, "persist appended entries")
	}
	m.entries = append(m.entries, toAppend...)
	m.publishSnapshotLocked()
	return nil
}

func (m *Manager) firstIndexOfTermLocked(term int64) int64 {
	for i := range m.entries {
		if m.entries[i].Term == term {
			return m.entries[i].Index
		}
	}
	return 1
}

//----------------------------------------
// commit index

// AdvanceCommitIndex moves the commit index forward, never backward,
// and wakes every waiter at or below the new index. Callable only from
// replication logic once a weighted quorum has durably appended the
// index.
func (m *Manager) AdvanceCommitIndex(index int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if index <= m.commitIndex {
		return nil
	}
	if index > int64(len(m.entries)) {
		return ErrCommitAheadOfLog
	}

	m.commitIndex = index
	m.publishSnapshotLocked()

	for i, chans := range m.commitWaiters {
		if i <= index {
			for _, ch := range chans {
				close(ch)
			}
			delete(m.commitWaiters, i)
		}
	}
	return nil
}

// WaitCommitted returns a channel closed once index is committed. The
// pipeline's commitment stage gates on it; it is never speculative.
func (m *Manager) WaitCommitted(index int64) <-chan struct{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ch := make(chan struct{})
	if index <= m.commitIndex {
		close(ch)
		return ch
	}
	m.commitWaiters[index] = append(m.commitWaiters[index], ch)
	return ch
}

//----------------------------------------

func (m *Manager) publishSnapshot() {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	m.publishSnapshotLocked()
}

func (m *Manager) publishSnapshotLocked() {
	snap := StatusSnapshot{
		Term:        m.currentTerm,
		CommitIndex: m.commitIndex,
	}
	if n := len(m.entries); n > 0 {
		snap.LastLogIndex = m.entries[n-1].Index
		snap.LastLogTerm = m.entries[n-1].Term
	}
	m.snapshot.Store(snap)
}

// Store exposes the durable store for the pipeline's fold and proof
// stages.
func (m *Manager) Store() store.Store {
	return m.store
}
