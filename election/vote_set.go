package election

import (
	"fmt"

	"github.com/pkg/errors"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"hyperraft/types"
)

// VoteSet tallies RequestVote responses for one (term, candidate) pair,
// weighted by validator voting weight. It rejects duplicate and
// conflicting votes from the same validator.
type VoteSet struct {
	chainID   string
	term      int64
	candidate types.Address
	members   *types.MembershipSet
	byzantine bool

	mtx           tmsync.Mutex
	votes         map[string]*types.Vote // validator address -> vote
	grantedWeight int64
}

func NewVoteSet(chainID string, term int64, candidate types.Address, members *types.MembershipSet, byzantine bool) *VoteSet {
	return &VoteSet{
		chainID:   chainID,
		term:      term,
		candidate: candidate,
		members:   members,
		byzantine: byzantine,
		votes:     make(map[string]*types.Vote),
	}
}

// AddVote adds a verified vote to the set. It returns true if the vote
// was added (not a duplicate). Conflicting votes from the same
// validator are an error.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	if vote == nil {
		return false, errors.New("nil vote")
	}

	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	if vote.Term != vs.term {
		return false, errors.Errorf("vote term %d does not match vote set term %d", vote.Term, vs.term)
	}
	if !vote.Candidate.Equal(vs.candidate) {
		return false, errors.Errorf("vote for wrong candidate %v, expected %v", vote.Candidate, vs.candidate)
	}

	_, val := vs.members.GetByAddress(vote.ValidatorAddress)
	if val == nil {
		return false, errors.Wrapf(ErrUnknownValidator, "address %v", vote.ValidatorAddress)
	}

	// verify before counting
	if !val.PubKey.VerifySignature(types.VoteSignBytes(vs.chainID, vote), vote.Signature) {
		return false, ErrBadSignature
	}

	key := vote.ValidatorAddress.String()
	if existing, ok := vs.votes[key]; ok {
		if existing.Granted == vote.Granted {
			return false, nil // duplicate
		}
		return false, errors.Errorf("conflicting vote from validator %v in term %d", key, vs.term)
	}

	vs.votes[key] = vote
	if vote.Granted {
		vs.grantedWeight += val.VotingWeight
	}
	return true, nil
}

// HasQuorum reports whether the granted weight reaches the quorum
// threshold for the configured fault model.
func (vs *VoteSet) HasQuorum() bool {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return vs.grantedWeight >= vs.members.QuorumWeight(vs.byzantine)
}

// GrantedWeight returns the current accumulated granted weight.
func (vs *VoteSet) GrantedWeight() int64 {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return vs.grantedWeight
}

func (vs *VoteSet) String() string {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return fmt.Sprintf("VoteSet{term:%d granted:%d/%d votes:%d}",
		vs.term, vs.grantedWeight, vs.members.QuorumWeight(vs.byzantine), len(vs.votes))
}
