package types

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Vote is a single ballot for a candidate in one term. A node grants at
// most one vote per term; the grant is persisted before the reply is
// sent so a crash never produces a double-grant.
type Vote struct {
	Term             int64            `json:"term"`
	Candidate        Address          `json:"candidate"`
	Granted          bool             `json:"granted"`
	Timestamp        time.Time        `json:"timestamp"`
	ValidatorAddress Address          `json:"validator_address"`
	ValidatorIndex   int32            `json:"validator_index"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("nil vote")
	}
	if v.Term < 0 {
		return fmt.Errorf("negative term: %d", v.Term)
	}
	if v.Granted && len(v.Candidate) == 0 {
		return fmt.Errorf("granted vote without candidate")
	}
	if len(v.ValidatorAddress) == 0 {
		return fmt.Errorf("vote without voter address")
	}
	return nil
}

// Equal reports whether two votes are the same ballot, ignoring
// timestamp and signature. Used for duplicate suppression.
func (v *Vote) Equal(other *Vote) bool {
	if v == nil || other == nil {
		return false
	}
	return v.Term == other.Term &&
		v.Granted == other.Granted &&
		v.Candidate.Equal(other.Candidate) &&
		v.ValidatorAddress.Equal(other.ValidatorAddress)
}

func (v *Vote) String() string {
	if v == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{T:%d %v->%v granted:%v}",
		v.Term, v.ValidatorAddress, v.Candidate, v.Granted)
}
