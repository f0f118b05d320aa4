package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Proof is the per-transaction integrity proof produced by pipeline
// stage 2. The signature scheme is opaque to the consensus core.
type Proof struct {
	TxHash    tmbytes.HexBytes `json:"tx_hash"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func (p *Proof) IsEmpty() bool {
	return p == nil || len(p.Signature) == 0
}

// AggregateProof is the combined attestation over all committed
// transactions of a batch, attached to the LogEntry by the aggregation
// stage. It enables succinct external verification of the whole batch.
type AggregateProof struct {
	EntryIndex int64              `json:"entry_index"`
	BatchHash  tmbytes.HexBytes   `json:"batch_hash"`
	TxHashes   []tmbytes.HexBytes `json:"tx_hashes"`
	Signature  tmbytes.HexBytes   `json:"signature"`
}

func (ap *AggregateProof) IsEmpty() bool {
	return ap == nil || len(ap.Signature) == 0
}

func (ap *AggregateProof) String() string {
	if ap == nil {
		return "nil-AggregateProof"
	}
	return fmt.Sprintf("AggregateProof{I:%d txs:%d}", ap.EntryIndex, len(ap.TxHashes))
}
