// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// MembershipSet is the roster of validator node identities, each with a
// voting weight used for quorum sizing.
//
// The validators can be fetched by address or index. Order is the
// insertion order of the genesis roster and is identical on every node,
// so indices are stable across the cluster.
//
// NOTE: Not goroutine-safe; callers serialize mutation through the
// state manager's writer lock.
type MembershipSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`

	totalWeight int64
}

// NewMembershipSet initializes a MembershipSet by copying over the
// values from `valz`, a list of Validators. If valz is nil or empty,
// the new MembershipSet will have an empty list of Validators.
func NewMembershipSet(valz []*Validator) *MembershipSet {
	members := &MembershipSet{}
	members.Validators = make([]*Validator, 0, len(valz))

	for _, val := range valz {
		members.Validators = append(members.Validators, val)
	}
	members.totalWeight = 0

	return members
}

func (ms *MembershipSet) ValidateBasic() error {
	if ms.IsNilOrEmpty() {
		return errors.New("membership set is nil or empty")
	}

	for idx, val := range ms.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if the membership set is nil or empty.
func (ms *MembershipSet) IsNilOrEmpty() bool {
	return ms == nil || len(ms.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new MembershipSet.
func (ms *MembershipSet) Copy() *MembershipSet {
	return &MembershipSet{
		Validators:  validatorListCopy(ms.Validators),
		totalWeight: ms.totalWeight,
	}
}

// HasAddress returns true if address given is in the membership set,
// false - otherwise.
func (ms *MembershipSet) HasAddress(address Address) bool {
	for _, val := range ms.Validators {
		if address.Equal(val.Address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the validator with address and
// validator itself (copy) if found. Otherwise, -1 and nil are returned.
func (ms *MembershipSet) GetByAddress(address Address) (index int32, val *Validator) {
	for idx, val := range ms.Validators {
		if address.Equal(val.Address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself
// (copy) by index. It returns nil values if index is out of range.
func (ms *MembershipSet) GetByIndex(index int32) (address Address, val *Validator) {
	if index < 0 || int(index) >= len(ms.Validators) {
		return nil, nil
	}
	val = ms.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the number of validators in the membership set.
func (ms *MembershipSet) Size() int {
	return len(ms.Validators)
}

// TotalWeight returns the sum of the voting weights of all validators.
// It recomputes the total weight if required.
func (ms *MembershipSet) TotalWeight() int64 {
	if ms.totalWeight == 0 {
		sum := int64(0)
		for _, val := range ms.Validators {
			sum += val.VotingWeight
		}
		ms.totalWeight = sum
	}
	return ms.totalWeight
}

// MajorityWeight returns the smallest weight strictly greater than half
// of the total weight. Crash-fault quorum.
func (ms *MembershipSet) MajorityWeight() int64 {
	return ms.TotalWeight()/2 + 1
}

// ByzantineWeight returns the smallest weight strictly greater than two
// thirds of the total weight. With 3f+1 equal-weight members this is
// 2f+1.
func (ms *MembershipSet) ByzantineWeight() int64 {
	return ms.TotalWeight()*2/3 + 1
}

// QuorumWeight returns the weight required to win an election or commit
// an entry, depending on whether byzantine members are assumed present.
func (ms *MembershipSet) QuorumWeight(byzantine bool) int64 {
	if byzantine {
		return ms.ByzantineWeight()
	}
	return ms.MajorityWeight()
}

// Hash returns the merkle root hash built from the membership roster.
func (ms *MembershipSet) Hash() []byte {
	bzs := make([][]byte, len(ms.Validators))
	for i, val := range ms.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (ms *MembershipSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range ms.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

func (ms *MembershipSet) String() string {
	return ms.StringIndented("")
}

func (ms *MembershipSet) StringIndented(indent string) string {
	if ms == nil {
		return "nil-MembershipSet"
	}
	var valStrings []string
	ms.Iterate(func(idx int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`MembershipSet{
%s  Members:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)
}
