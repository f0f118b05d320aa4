package store

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"hyperraft/types"
)

var (
	keyHardState = []byte("meta/hardstate")
	keyLastIndex = []byte("meta/lastindex")

	// ErrNotContiguous is returned when an append would leave a gap in
	// the log.
	ErrNotContiguous = errors.New("append is not contiguous with log tail")
)

func entryKey(index int64) []byte {
	return []byte(fmt.Sprintf("entry/%020d", index))
}

func nonceKey(addr types.Address) []byte {
	return []byte("acct/" + addr.String() + "/nonce")
}

func appliedKey(index int64) []byte {
	return []byte(fmt.Sprintf("applied/%020d", index))
}

// NewKVStore opens a goleveldb backed store under dir.
func NewKVStore(name, dir string, logger log.Logger) (*KVStore, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "open log store")
	}
	return NewKVStoreWithDB(db, logger), nil
}

// NewKVStoreWithDB wraps an existing tm-db instance; tests hand in a
// memdb.
func NewKVStoreWithDB(db tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{db: db, logger: logger, lastIndex: -1}
}

// KVStore implements Store on a tm-db key-value database. Writes go
// through batches; tm-db backends flush before Write returns, which is
// the durability point the consensus core relies on.
type KVStore struct {
	db     tmdb.DB
	logger log.Logger

	mtx       sync.Mutex
	lastIndex int64 // cached; -1 until first load
}

var _ Store = (*KVStore)(nil)

func (kv *KVStore) SetLogger(logger log.Logger) {
	kv.logger = logger
}

// Append implements Store.
func (kv *KVStore) Append(entries []*types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	last, err := kv.lastIndexLocked()
	if err != nil {
		return err
	}
	if entries[0].Index > last+1 {
		return ErrNotContiguous
	}

	batch := kv.db.NewBatch()
	defer batch.Close()

	for i, e := range entries {
		if i > 0 && e.Index != entries[i-1].Index+1 {
			return ErrNotContiguous
		}
		bz, err := tmjson.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal log entry")
		}
		if err := batch.Set(entryKey(e.Index), bz); err != nil {
			return err
		}
	}

	tail := entries[len(entries)-1].Index
	if tail > last {
		if err := batch.Set(keyLastIndex, int64ToBytes(tail)); err != nil {
			return err
		}
	} else {
		tail = last
	}

	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "append log entries")
	}
	kv.lastIndex = tail
	return nil
}

// ReadRange implements Store.
func (kv *KVStore) ReadRange(from, to int64) ([]*types.LogEntry, error) {
	kv.mtx.Lock()
	last, err := kv.lastIndexLocked()
	kv.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	if to < 0 || to > last {
		to = last
	}
	if from < 1 {
		from = 1
	}

	entries := make([]*types.LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		e, err := kv.Entry(i)
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Entry implements Store.
func (kv *KVStore) Entry(index int64) (*types.LogEntry, error) {
	bz, err := kv.db.Get(entryKey(index))
	if err != nil {
		return nil, errors.Wrap(err, "read log entry")
	}
	if len(bz) == 0 {
		return nil, nil
	}
	entry := new(types.LogEntry)
	if err := tmjson.Unmarshal(bz, entry); err != nil {
		return nil, errors.Wrap(err, "unmarshal log entry")
	}
	return entry, nil
}

// TruncateFrom implements Store.
func (kv *KVStore) TruncateFrom(index int64) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	last, err := kv.lastIndexLocked()
	if err != nil {
		return err
	}
	if index > last {
		return nil
	}

	batch := kv.db.NewBatch()
	defer batch.Close()

	for i := index; i <= last; i++ {
		if err := batch.Delete(entryKey(i)); err != nil {
			return err
		}
	}
	if err := batch.Set(keyLastIndex, int64ToBytes(index-1)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "truncate log")
	}
	kv.lastIndex = index - 1
	return nil
}

// LastIndex implements Store.
func (kv *KVStore) LastIndex() (int64, error) {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.lastIndexLocked()
}

func (kv *KVStore) lastIndexLocked() (int64, error) {
	if kv.lastIndex >= 0 {
		return kv.lastIndex, nil
	}
	bz, err := kv.db.Get(keyLastIndex)
	if err != nil {
		return 0, errors.Wrap(err, "read last index")
	}
	if len(bz) == 0 {
		kv.lastIndex = 0
		return 0, nil
	}
	kv.lastIndex = bytesToInt64(bz)
	return kv.lastIndex, nil
}

// SaveHardState implements Store.
func (kv *KVStore) SaveHardState(hs HardState) error {
	bz, err := tmjson.Marshal(hs)
	if err != nil {
		return errors.Wrap(err, "marshal hard state")
	}
	batch := kv.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyHardState, bz); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "save hard state")
	}
	return nil
}

// LoadHardState implements Store.
func (kv *KVStore) LoadHardState() (HardState, error) {
	hs := HardState{}
	bz, err := kv.db.Get(keyHardState)
	if err != nil {
		return hs, errors.Wrap(err, "load hard state")
	}
	if len(bz) == 0 {
		return hs, nil
	}
	if err := tmjson.Unmarshal(bz, &hs); err != nil {
		return hs, errors.Wrap(err, "unmarshal hard state")
	}
	return hs, nil
}

// AttachProof implements Store.
func (kv *KVStore) AttachProof(index int64, proof *types.AggregateProof) error {
	entry, err := kv.Entry(index)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.Errorf("no entry at index %d", index)
	}
	entry.CommitProof = proof

	bz, err := tmjson.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal log entry")
	}
	return kv.db.SetSync(entryKey(index), bz)
}

// ApplyResults implements Store. The fold is a single batch write:
// per-sender committed nonces plus an applied marker keyed by entry
// index, so re-applying the same entry is a no-op.
func (kv *KVStore) ApplyResults(entry *types.LogEntry, accepted types.Txs) ([]byte, error) {
	if done, err := kv.db.Has(appliedKey(entry.Index)); err != nil {
		return nil, errors.Wrap(err, "check applied marker")
	} else if done {
		bz, err := kv.db.Get(appliedKey(entry.Index))
		return bz, errors.Wrap(err, "read applied results hash")
	}

	batch := kv.db.NewBatch()
	defer batch.Close()

	// fold only the highest accepted nonce per sender; writing them in
	// batch order would let an out-of-order batch regress the committed
	// nonce and reopen it for a double commit
	highest := make(map[string]*types.Tx, len(accepted))
	hashes := make([][]byte, 0, len(accepted))
	for _, tx := range accepted {
		hashes = append(hashes, tx.Hash())
		if cur, ok := highest[tx.Sender.String()]; !ok || tx.Nonce > cur.Nonce {
			highest[tx.Sender.String()] = tx
		}
	}
	for _, tx := range highest {
		committed, known, err := kv.SenderNonce(tx.Sender)
		if err != nil {
			return nil, err
		}
		if known && tx.Nonce <= committed {
			continue
		}
		if err := batch.Set(nonceKey(tx.Sender), uint64ToBytes(tx.Nonce)); err != nil {
			return nil, err
		}
	}

	resultsHash := merkle.HashFromByteSlices(hashes)
	if err := batch.Set(appliedKey(entry.Index), resultsHash); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, errors.Wrap(err, "apply results")
	}
	return resultsHash, nil
}

// SenderNonce implements Store.
func (kv *KVStore) SenderNonce(addr types.Address) (uint64, bool, error) {
	bz, err := kv.db.Get(nonceKey(addr))
	if err != nil {
		return 0, false, errors.Wrap(err, "read sender nonce")
	}
	if len(bz) == 0 {
		return 0, false, nil
	}
	return bytesToUint64(bz), true, nil
}

func (kv *KVStore) Close() error {
	return kv.db.Close()
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.db
}

func int64ToBytes(v int64) []byte {
	return uint64ToBytes(uint64(v))
}

func bytesToInt64(bz []byte) int64 {
	return int64(bytesToUint64(bz))
}

func uint64ToBytes(v uint64) []byte {
	bz := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		bz[i] = byte(v)
		v >>= 8
	}
	return bz
}

func bytesToUint64(bz []byte) uint64 {
	var v uint64
	for _, b := range bz {
		v = v<<8 | uint64(b)
	}
	return v
}
