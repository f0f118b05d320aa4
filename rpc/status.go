package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"hyperraft/core"
	"hyperraft/types"
)

type ResultStatus struct {
	Status core.StatusInfo `json:"status"`
}

// Status reports term, role, leader hint, commit progress and pool
// depth.
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	return &ResultStatus{Status: env.Core.GetStatus()}, nil
}

type ResultTriggerElection struct {
	Triggered bool `json:"triggered"`
}

// TriggerElection forces this node to stand for election.
func TriggerElection(ctx *rpctypes.Context) (*ResultTriggerElection, error) {
	env.Core.TriggerElection()
	return &ResultTriggerElection{Triggered: true}, nil
}

type ResultEntries struct {
	Entries []*types.LogEntry `json:"entries"`
}

// Entries returns the log entries with from <= index <= to; to < 0
// means the tail.
func Entries(ctx *rpctypes.Context, from, to int64) (*ResultEntries, error) {
	return &ResultEntries{Entries: env.StateMgr.Read(from, to)}, nil
}
