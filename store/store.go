package store

import (
	"hyperraft/types"
)

// HardState is the durable election state. It must hit disk before any
// vote reply leaves the node; a crash after granting but before acking
// must not produce a double-grant.
type HardState struct {
	Term     int64         `json:"term"`
	VotedFor types.Address `json:"voted_for"`
}

// Store is the crash-durable append-only log contract. Append and
// SaveHardState must be fsync-equivalent before returning; the core
// treats any error from them as fatal for the operation in flight,
// since safety cannot be guaranteed without durability.
type Store interface {
	// Append persists entries at their indices. Entries must be
	// contiguous with the existing tail.
	Append(entries []*types.LogEntry) error

	// ReadRange returns entries with from <= index <= to. A to of -1
	// means the last index.
	ReadRange(from, to int64) ([]*types.LogEntry, error)

	// Entry returns the entry at index, or nil if absent.
	Entry(index int64) (*types.LogEntry, error)

	// TruncateFrom removes every entry with index >= index. Used when
	// overwriting an uncommitted divergent suffix after a leader
	// change.
	TruncateFrom(index int64) error

	// LastIndex returns the highest appended index, 0 for an empty
	// log.
	LastIndex() (int64, error)

	SaveHardState(hs HardState) error
	LoadHardState() (HardState, error)

	// AttachProof persists the aggregate commit proof onto an already
	// appended entry. The only post-append mutation an entry sees.
	AttachProof(index int64, proof *types.AggregateProof) error

	// ApplyResults folds the accepted transactions of a committed
	// entry into the authoritative application state and returns the
	// results hash. Idempotent per entry index.
	ApplyResults(entry *types.LogEntry, accepted types.Txs) ([]byte, error)

	// SenderNonce returns the highest committed nonce for a sender
	// and whether the sender is known.
	SenderNonce(addr types.Address) (uint64, bool, error)

	Close() error
}
