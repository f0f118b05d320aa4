package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// LogEntry is an ordered, immutable unit of replicated state change.
// It becomes committed once a quorum of nodes has durably appended the
// same (term, index, payload hash). CommitProof is attached by the
// pipeline's aggregation stage after commitment; it is the only field
// mutated post-append.
type LogEntry struct {
	Term  int64             `json:"term"`
	Index int64             `json:"index"`
	Batch *TransactionBatch `json:"batch"`

	CommitProof *AggregateProof `json:"commit_proof,omitempty"`
}

// PayloadHash is the hash a quorum must agree on. It covers the batch
// content only; term and index are carried alongside it in the entry.
func (e *LogEntry) PayloadHash() tmbytes.HexBytes {
	if e.Batch == nil {
		return nil
	}
	return e.Batch.Hash()
}

func (e *LogEntry) ValidateBasic() error {
	if e == nil {
		return fmt.Errorf("nil log entry")
	}
	if e.Term < 0 {
		return fmt.Errorf("log entry with negative term: %d", e.Term)
	}
	if e.Index <= 0 {
		return fmt.Errorf("log entry with non-positive index: %d", e.Index)
	}
	if e.Batch == nil {
		return fmt.Errorf("log entry without batch")
	}
	return e.Batch.ValidateBasic()
}

func (e *LogEntry) String() string {
	if e == nil {
		return "nil-LogEntry"
	}
	return fmt.Sprintf("LogEntry{T:%d I:%d %v}", e.Term, e.Index, e.Batch)
}
