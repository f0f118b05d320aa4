package store

import (
	"github.com/pkg/errors"

	"hyperraft/types"
)

// ErrStoreUnavailable is what a broken durable store surfaces; the core
// must treat it as fatal for the operation in flight.
var ErrStoreUnavailable = errors.New("durable store unavailable")

// NewFailingStore wraps a working store and fails every durable write.
// For use in testing the hard-failure paths.
func NewFailingStore(inner Store) *FailingStore {
	return &FailingStore{Store: inner, FailAppends: true, FailHardState: true}
}

type FailingStore struct {
	Store

	FailAppends   bool
	FailHardState bool
}

func (fs *FailingStore) Append(entries []*types.LogEntry) error {
	if fs.FailAppends {
		return ErrStoreUnavailable
	}
	return fs.Store.Append(entries)
}

func (fs *FailingStore) SaveHardState(hs HardState) error {
	if fs.FailHardState {
		return ErrStoreUnavailable
	}
	return fs.Store.SaveHardState(hs)
}
