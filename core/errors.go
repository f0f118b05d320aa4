package core

import (
	"fmt"

	"github.com/pkg/errors"

	"hyperraft/types"
)

var (
	// ErrUnknownBatch is returned by PollBatch when the batch id is
	// neither in flight nor in the resolved cache.
	ErrUnknownBatch = errors.New("unknown batch id")

	// ErrShutdown is returned once the orchestrator has stopped.
	ErrShutdown = errors.New("orchestrator is shut down")

	// ErrBatchTooLarge is returned when a submission exceeds the
	// current adaptive batch size target.
	ErrBatchTooLarge = errors.New("batch exceeds current size target")

	// ErrEmptyBatch is returned for submissions carrying no
	// transactions.
	ErrEmptyBatch = errors.New("batch carries no transactions")
)

// ErrNotLeader carries a hint at who the leader probably is, so the
// client can resubmit without a discovery round-trip. The hint may be
// empty right after an election.
type ErrNotLeader struct {
	LeaderHint types.Address
}

func (e ErrNotLeader) Error() string {
	if len(e.LeaderHint) == 0 {
		return "not the leader (no leader known)"
	}
	return fmt.Sprintf("not the leader (try %v)", e.LeaderHint)
}

// IsNotLeader reports whether err is an ErrNotLeader.
func IsNotLeader(err error) bool {
	_, ok := errors.Cause(err).(ErrNotLeader)
	return ok
}
