package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Consensus node roles. Transitions are the only way the role changes.
type StateType uint8

const (
	StateFollower  = StateType(1)
	StateCandidate = StateType(2)
	StateLeader    = StateType(3)
)

func (s StateType) String() string {
	switch s {
	case StateFollower:
		return "FOLLOWER"
	case StateCandidate:
		return "CANDIDATE"
	case StateLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// RequestVote solicits a ballot for Candidate in Term. Fitness is the
// advisory score of the candidate; receivers never use it for the
// grant decision, only operators read it.
type RequestVote struct {
	Term         int64            `json:"term"`
	Candidate    Address          `json:"candidate"`
	LastLogIndex int64            `json:"last_log_index"`
	LastLogTerm  int64            `json:"last_log_term"`
	Fitness      float64          `json:"fitness"`
	Signature    tmbytes.HexBytes `json:"signature"`
}

func (m *RequestVote) ValidateBasic() error {
	if m == nil {
		return fmt.Errorf("nil RequestVote")
	}
	if m.Term <= 0 {
		return fmt.Errorf("RequestVote with non-positive term: %d", m.Term)
	}
	if len(m.Candidate) == 0 {
		return fmt.Errorf("RequestVote without candidate")
	}
	if m.LastLogIndex < 0 || m.LastLogTerm < 0 {
		return fmt.Errorf("RequestVote with negative log position")
	}
	return nil
}

func (m *RequestVote) String() string {
	return fmt.Sprintf("RequestVote{T:%d %v last:(%d,%d)}",
		m.Term, m.Candidate, m.LastLogTerm, m.LastLogIndex)
}

// AppendEntries replicates a slice of log entries. With no entries it
// doubles as the heartbeat. LeaderCommit lets followers advance their
// commit index.
type AppendEntries struct {
	Term         int64            `json:"term"`
	Leader       Address          `json:"leader"`
	PrevLogIndex int64            `json:"prev_log_index"`
	PrevLogTerm  int64            `json:"prev_log_term"`
	Entries      []*LogEntry      `json:"entries"`
	LeaderCommit int64            `json:"leader_commit"`
	Signature    tmbytes.HexBytes `json:"signature"`
}

// IsHeartbeat reports whether the message carries no entries.
func (m *AppendEntries) IsHeartbeat() bool {
	return len(m.Entries) == 0
}

func (m *AppendEntries) ValidateBasic() error {
	if m == nil {
		return fmt.Errorf("nil AppendEntries")
	}
	if m.Term <= 0 {
		return fmt.Errorf("AppendEntries with non-positive term: %d", m.Term)
	}
	if len(m.Leader) == 0 {
		return fmt.Errorf("AppendEntries without leader")
	}
	if m.PrevLogIndex < 0 || m.PrevLogTerm < 0 || m.LeaderCommit < 0 {
		return fmt.Errorf("AppendEntries with negative log position")
	}
	for i, e := range m.Entries {
		if err := e.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid entry #%d: %w", i, err)
		}
	}
	return nil
}

func (m *AppendEntries) String() string {
	return fmt.Sprintf("AppendEntries{T:%d %v prev:(%d,%d) n:%d commit:%d}",
		m.Term, m.Leader, m.PrevLogTerm, m.PrevLogIndex, len(m.Entries), m.LeaderCommit)
}

// AppendEntriesReply acknowledges a durable append. MatchIndex is the
// highest index the follower has persisted; on a consistency miss
// Success is false and ConflictIndex hints where the leader should
// back up to.
type AppendEntriesReply struct {
	Term          int64            `json:"term"`
	Follower      Address          `json:"follower"`
	Success       bool             `json:"success"`
	MatchIndex    int64            `json:"match_index"`
	ConflictIndex int64            `json:"conflict_index,omitempty"`
	Signature     tmbytes.HexBytes `json:"signature"`
}

func (m *AppendEntriesReply) ValidateBasic() error {
	if m == nil {
		return fmt.Errorf("nil AppendEntriesReply")
	}
	if m.Term <= 0 {
		return fmt.Errorf("AppendEntriesReply with non-positive term: %d", m.Term)
	}
	if len(m.Follower) == 0 {
		return fmt.Errorf("AppendEntriesReply without follower")
	}
	return nil
}

func (m *AppendEntriesReply) String() string {
	return fmt.Sprintf("AppendEntriesReply{T:%d %v ok:%v match:%d}",
		m.Term, m.Follower, m.Success, m.MatchIndex)
}

// ----- canonical sign bytes -----
// Signatures cover the canonical json of the message body with the
// signature field zeroed, prefixed by the chain id.

func VoteSignBytes(chainID string, vote *Vote) []byte {
	cp := *vote
	cp.Signature = nil
	return signBytes(chainID, "vote", &cp)
}

func RequestVoteSignBytes(chainID string, msg *RequestVote) []byte {
	cp := *msg
	cp.Signature = nil
	return signBytes(chainID, "request_vote", &cp)
}

func AppendEntriesSignBytes(chainID string, msg *AppendEntries) []byte {
	cp := *msg
	cp.Signature = nil
	return signBytes(chainID, "append_entries", &cp)
}

func AppendEntriesReplySignBytes(chainID string, msg *AppendEntriesReply) []byte {
	cp := *msg
	cp.Signature = nil
	return signBytes(chainID, "append_entries_reply", &cp)
}

func signBytes(chainID, kind string, v interface{}) []byte {
	bz, err := tmjson.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := make([]byte, 0, len(chainID)+len(kind)+len(bz)+2)
	out = append(out, []byte(chainID)...)
	out = append(out, '/')
	out = append(out, []byte(kind)...)
	out = append(out, '/')
	out = append(out, bz...)
	return out
}
