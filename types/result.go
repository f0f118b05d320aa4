package types

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// TxStatus is the per-transaction outcome of the validation pipeline.
type TxStatus uint8

const (
	TxStatusPending  = TxStatus(0)
	TxStatusAccepted = TxStatus(1)
	TxStatusRejected = TxStatus(2)
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "PENDING"
	case TxStatusAccepted:
		return "ACCEPTED"
	case TxStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Rejection reasons. Per-transaction failures are isolated: a rejected
// transaction never aborts its siblings.
const (
	ReasonStructuralValidation = "STRUCTURAL_VALIDATION_FAILED"
	ReasonProofGeneration      = "PROOF_GENERATION_FAILED"
	ReasonExecutionFailed      = "EXECUTION_FAILED"
	ReasonDuplicateNonce       = "DUPLICATE_NONCE"
	ReasonEntrySuperseded      = "ENTRY_SUPERSEDED"
	ReasonLeadershipLost       = "LEADERSHIP_LOST"
)

// TxResult is the pipeline's verdict for one transaction.
type TxResult struct {
	TxHash tmbytes.HexBytes `json:"tx_hash"`
	Status TxStatus         `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// BatchResult is returned to the submitter. A batch succeeds if at
// least one transaction committed; callers inspect Results for the
// per-transaction outcomes.
type BatchResult struct {
	BatchID  string     `json:"batch_id"`
	Term     int64      `json:"term"`
	Index    int64      `json:"index"`
	Accepted int        `json:"accepted"`
	Rejected int        `json:"rejected"`
	TimedOut bool       `json:"timed_out,omitempty"`
	Results  []TxResult `json:"results"`
}

// Success reports whether at least one transaction committed. Batches
// are never all-or-nothing.
func (r *BatchResult) Success() bool {
	return r != nil && r.Accepted > 0
}
