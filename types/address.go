package types

import (
	"bytes"

	"github.com/tendermint/tendermint/crypto"
)

// Address is the stable identifier of a validator node, derived from its
// public key. It is the node id used across membership, votes and
// replication bookkeeping.
type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(crypto.Address(addr), crypto.Address(other))
}

func (addr Address) String() string {
	return crypto.Address(addr).String()
}
