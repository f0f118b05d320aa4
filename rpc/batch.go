package rpc

import (
	"context"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"hyperraft/types"
)

const defaultSubmitTimeoutMs = 10000

// RawTx is the wire form of one transaction in a submit_batch call.
type RawTx struct {
	Sender    tmbytes.HexBytes `json:"sender"`
	Nonce     uint64           `json:"nonce"`
	Payload   tmbytes.HexBytes `json:"payload"`
	Signature tmbytes.HexBytes `json:"signature"`
}

type ResultSubmitBatch struct {
	Result *types.BatchResult `json:"result"`
}

// SubmitBatch queues a client batch for consensus and waits up to
// timeout_ms for its resolution. On timeout the work stays in flight
// and poll_batch serves the eventual outcome.
func SubmitBatch(ctx *rpctypes.Context, id string, txs []RawTx, timeoutMs int) (*ResultSubmitBatch, error) {
	if timeoutMs <= 0 {
		timeoutMs = defaultSubmitTimeoutMs
	}

	batchTxs := make(types.Txs, len(txs))
	for i, raw := range txs {
		batchTxs[i] = &types.Tx{
			Sender:    types.Address(raw.Sender.Bytes()),
			Nonce:     raw.Nonce,
			Payload:   raw.Payload,
			Signature: raw.Signature,
		}
	}
	batch := types.MakeBatch(id, batchTxs)

	cctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	result, err := env.Core.SubmitBatch(cctx, batch)
	if err != nil {
		return nil, err
	}
	return &ResultSubmitBatch{Result: result}, nil
}

type ResultPollBatch struct {
	InFlight bool               `json:"in_flight"`
	Result   *types.BatchResult `json:"result,omitempty"`
}

// PollBatch reports the outcome of a previously submitted batch id.
func PollBatch(ctx *rpctypes.Context, id string) (*ResultPollBatch, error) {
	result, inFlight, err := env.Core.PollBatch(id)
	if err != nil {
		return nil, err
	}
	return &ResultPollBatch{InFlight: inFlight, Result: result}, nil
}
