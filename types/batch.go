package types

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Tx is a single submitted transaction. Sender+Nonce form the replay
// and conflict key inside the execution projection; Payload is the
// application-opaque body.
type Tx struct {
	Sender    Address          `json:"sender"`
	Nonce     uint64           `json:"nonce"`
	Payload   tmbytes.HexBytes `json:"payload"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// Hash covers everything except the signature.
func (tx *Tx) Hash() []byte {
	h := tmhash.New()
	h.Write(tx.Sender)
	var nonce [8]byte
	putUint64(nonce[:], tx.Nonce)
	h.Write(nonce[:])
	h.Write(tx.Payload)
	return h.Sum(nil)
}

// SignBytes is the canonical byte representation signed by the
// submitter; identical to the hash preimage.
func (tx *Tx) SignBytes() []byte {
	bz := make([]byte, 0, len(tx.Sender)+8+len(tx.Payload))
	bz = append(bz, tx.Sender...)
	var nonce [8]byte
	putUint64(nonce[:], tx.Nonce)
	bz = append(bz, nonce[:]...)
	bz = append(bz, tx.Payload...)
	return bz
}

func (tx *Tx) ComputeSize() int64 {
	return int64(len(tx.Sender) + 8 + len(tx.Payload) + len(tx.Signature))
}

func (tx *Tx) ValidateBasic() error {
	if tx == nil {
		return fmt.Errorf("nil tx")
	}
	if len(tx.Sender) == 0 {
		return fmt.Errorf("tx without sender")
	}
	if len(tx.Payload) == 0 {
		return fmt.Errorf("tx with empty payload")
	}
	return nil
}

func putUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// ===== tx array =====

type Txs []*Tx

func (txs Txs) Append(other Txs) Txs {
	return append(txs, other...)
}

// Hash returns the merkle root over the transaction hashes.
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

func (txs Txs) ComputeSize() int64 {
	var size int64
	for _, tx := range txs {
		size += tx.ComputeSize()
	}
	return size
}

// ===== transaction batch =====

// TransactionBatch is the unit of submission and of log replication.
// ID is a caller-supplied idempotency key: resubmitting a batch with
// the same id returns the recorded outcome instead of re-running it.
type TransactionBatch struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Txs         Txs       `json:"txs"`
}

func MakeBatch(id string, txs Txs) *TransactionBatch {
	return &TransactionBatch{
		ID:          id,
		SubmittedAt: time.Now(),
		Txs:         txs,
	}
}

// NewLeaderNoopBatch is the empty batch a freshly elected leader
// appends in its own term, so entries replicated under earlier terms
// can commit by counting without waiting for client traffic.
func NewLeaderNoopBatch(term int64) *TransactionBatch {
	return MakeBatch(fmt.Sprintf("leader-noop/%d", term), nil)
}

// Hash covers the id and the tx merkle root; it is the payload hash a
// quorum must agree on for an entry to commit.
func (b *TransactionBatch) Hash() []byte {
	h := tmhash.New()
	h.Write([]byte(b.ID))
	h.Write(b.Txs.Hash())
	return h.Sum(nil)
}

func (b *TransactionBatch) Size() int {
	return len(b.Txs)
}

func (b *TransactionBatch) ValidateBasic() error {
	if b == nil {
		return fmt.Errorf("nil batch")
	}
	if b.ID == "" {
		return fmt.Errorf("batch without id")
	}
	return nil
}

func (b *TransactionBatch) String() string {
	if b == nil {
		return "nil-Batch"
	}
	return fmt.Sprintf("Batch{%s txs:%d}", b.ID, len(b.Txs))
}
