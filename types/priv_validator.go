package types

import (
	"time"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator is the opaque signing capability of the local node.
// Implementations sign votes and consensus messages with the node
// identity key.
type PrivValidator interface {
	GetAddress() Address
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignRequestVote(chainID string, msg *RequestVote) error
	SignAppendEntries(chainID string, msg *AppendEntries) error
	SignAppendEntriesReply(chainID string, msg *AppendEntriesReply) error
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any double-sign protection.
// For use in testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

func (pv MockPV) GetAddress() Address {
	return Address(pv.PrivKey.PubKey().Address())
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	vote.Timestamp = time.Now()
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

func (pv MockPV) SignRequestVote(chainID string, msg *RequestVote) error {
	sig, err := pv.PrivKey.Sign(RequestVoteSignBytes(chainID, msg))
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

func (pv MockPV) SignAppendEntries(chainID string, msg *AppendEntries) error {
	sig, err := pv.PrivKey.Sign(AppendEntriesSignBytes(chainID, msg))
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

func (pv MockPV) SignAppendEntriesReply(chainID string, msg *AppendEntriesReply) error {
	sig, err := pv.PrivKey.Sign(AppendEntriesReplySignBytes(chainID, msg))
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}
