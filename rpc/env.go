package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"hyperraft/core"
	"hyperraft/libs/metric"
	"hyperraft/mempool"
	"hyperraft/state"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Core     *core.Core
	Pool     mempool.BatchPool
	StateMgr *state.Manager

	MetricSet *metric.Set
}
