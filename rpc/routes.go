package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	"submit_batch":     rpc.NewRPCFunc(SubmitBatch, "id,txs,timeout_ms"),
	"poll_batch":       rpc.NewRPCFunc(PollBatch, "id"),
	"status":           rpc.NewRPCFunc(Status, ""),
	"metrics":          rpc.NewRPCFunc(JSONMetrics, "label"),
	"trigger_election": rpc.NewRPCFunc(TriggerElection, ""),
	"entries":          rpc.NewRPCFunc(Entries, "from,to"),
}
