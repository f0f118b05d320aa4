package state

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStaleTerm - message from an outdated term. Dropped by the
	// caller, never escalated.
	ErrStaleTerm = errors.New("stale term")

	// ErrCommitAheadOfLog - commit index may never pass the durable
	// tail.
	ErrCommitAheadOfLog = errors.New("commit index ahead of log tail")
)

// ErrLogInconsistency reports a prev-entry mismatch on append. The
// leader reacts by backing up nextIndex and retrying; it is not
// escalated to callers.
type ErrLogInconsistency struct {
	PrevIndex int64
	PrevTerm  int64
	// ConflictIndex is where the follower suggests the leader resume.
	ConflictIndex int64
}

func (e ErrLogInconsistency) Error() string {
	return fmt.Sprintf("log inconsistency at prev (%d,%d), conflict hint %d",
		e.PrevTerm, e.PrevIndex, e.ConflictIndex)
}

// IsLogInconsistency reports whether err is a consistency miss.
func IsLogInconsistency(err error) (ErrLogInconsistency, bool) {
	var e ErrLogInconsistency
	if errors.As(err, &e) {
		return e, true
	}
	return e, false
}
