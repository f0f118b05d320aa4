// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Volatile state for each Validator.
// VotingWeight sizes the quorum; FitnessScore is advisory only and never
// enters any safety decision. It may be overwritten concurrently by an
// external scorer.
type Validator struct {
	Address      Address       `json:"address"`
	PubKey       crypto.PubKey `json:"pub_key"`
	VotingWeight int64         `json:"voting_weight"`
}

// NewValidator returns a new validator with the given pubkey and the
// default voting weight of 1.
func NewValidator(pubKey crypto.PubKey) *Validator {
	return NewWeightedValidator(pubKey, 1)
}

func NewWeightedValidator(pubKey crypto.PubKey, weight int64) *Validator {
	return &Validator{
		Address:      Address(pubKey.Address()),
		PubKey:       pubKey,
		VotingWeight: weight,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if v.VotingWeight <= 0 {
		return fmt.Errorf("validator has non-positive voting weight: %d", v.VotingWeight)
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}

	return nil
}

// Creates a new copy of the validator.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v w:%d}",
		v.Address,
		v.PubKey,
		v.VotingWeight)
}

// Bytes computes the unique encoding of a validator that gets hashed
// into the membership hash.
func (v *Validator) Bytes() []byte {
	bz, err := tmjson.Marshal(struct {
		PubKey crypto.PubKey `json:"pub_key"`
		Weight int64         `json:"weight"`
	}{v.PubKey, v.VotingWeight})
	if err != nil {
		panic(err)
	}
	return bz
}

//----------------------------------------
// RandValidator

// RandValidator returns a randomized validator, useful for testing.
// UNSTABLE
func RandValidator() (*Validator, PrivValidator) {
	privVal := NewMockPV()

	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	val := NewValidator(pubKey)
	return val, privVal
}
