package election

import (
	"hyperraft/state"
	"hyperraft/types"
)

// Leader-side replication and the follower's append path. Everything
// here runs on the receive routine with m.mtx held.

// broadcastAppendEntries pushes the replication state to every peer.
// With no pending entries for a peer it degenerates into a heartbeat.
func (m *Manager) broadcastAppendEntries() {
	m.members.Iterate(func(_ int, val *types.Validator) bool {
		if val.Address.Equal(m.addr) {
			return false
		}
		m.sendAppendTo(val.Address)
		return false
	})
}

func (m *Manager) sendAppendTo(peer types.Address) {
	term := m.stateMgr.CurrentTerm()
	next := m.nextIndex[peer.String()]
	if next < 1 {
		next = 1
	}

	prevIndex := next - 1
	var prevTerm int64
	if prevIndex > 0 {
		prev := m.stateMgr.EntryAt(prevIndex)
		if prev == nil {
			// peer is ahead of our log view, restart from the tail
			lastIndex, _ := m.stateMgr.LastLogPosition()
			m.nextIndex[peer.String()] = lastIndex + 1
			return
		}
		prevTerm = prev.Term
	}

	entries := m.stateMgr.Read(next, next+int64(m.cfg.MaxEntriesPerAppend)-1)

	msg := &types.AppendEntries{
		Term:         term,
		Leader:       m.addr,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: m.stateMgr.CommitIndex(),
	}
	if err := m.privVal.SignAppendEntries(m.chainID, msg); err != nil {
		m.Logger.Error("failed to sign AppendEntries", "err", err)
		return
	}
	m.eventSwitch.FireEvent(EventAppendEntries, &Envelope{To: peer, Msg: &AppendEntriesMessage{AppendEntries: msg}})
}

// onAppendEntries is the follower half: verify the leader, adopt its
// term, persist the entries, advance commit, acknowledge.
func (m *Manager) onAppendEntries(msg *types.AppendEntries) {
	if err := msg.ValidateBasic(); err != nil {
		m.Logger.Error("invalid AppendEntries", "err", err)
		return
	}
	_, leader := m.members.GetByAddress(msg.Leader)
	if leader == nil {
		m.Logger.Error("AppendEntries from unknown validator", "leader", msg.Leader)
		return
	}
	if !leader.PubKey.VerifySignature(types.AppendEntriesSignBytes(m.chainID, msg), msg.Signature) {
		m.Logger.Error("AppendEntries with bad signature", "leader", msg.Leader)
		return
	}

	curTerm := m.stateMgr.CurrentTerm()
	if msg.Term < curTerm {
		m.replyAppend(msg.Leader, false, 0, 0)
		return
	}

	if msg.Term > curTerm {
		if err := m.stateMgr.UpdateTerm(msg.Term, nil); err != nil {
			m.Logger.Error("cannot persist observed term", "term", msg.Term, "err", err)
			return
		}
	}
	// an authenticated leader for the current term demotes any
	// candidacy
	if m.step != types.StateFollower || !msg.Leader.Equal(m.leader) {
		m.stepDown(msg.Leader)
	} else {
		m.resetElectionTimer()
	}
	m.attempts = 0

	err := m.stateMgr.AppendEntries(msg.Term, msg.PrevLogIndex, msg.PrevLogTerm, msg.Entries)
	if err != nil {
		if inc, ok := state.IsLogInconsistency(err); ok {
			m.Logger.Info("log inconsistency", "prev", msg.PrevLogIndex, "conflict", inc.ConflictIndex)
			m.replyAppend(msg.Leader, false, 0, inc.ConflictIndex)
		} else {
			m.Logger.Error("append failed", "err", err)
		}
		return
	}

	lastIndex, _ := m.stateMgr.LastLogPosition()
	match := msg.PrevLogIndex + int64(len(msg.Entries))

	commit := msg.LeaderCommit
	if commit > lastIndex {
		commit = lastIndex
	}
	if err := m.stateMgr.AdvanceCommitIndex(commit); err != nil {
		m.Logger.Error("cannot advance follower commit", "commit", commit, "err", err)
	}

	m.replyAppend(msg.Leader, true, match, 0)
}

func (m *Manager) replyAppend(to types.Address, success bool, matchIndex, conflictIndex int64) {
	reply := &types.AppendEntriesReply{
		Term:          m.stateMgr.CurrentTerm(),
		Follower:      m.addr,
		Success:       success,
		MatchIndex:    matchIndex,
		ConflictIndex: conflictIndex,
	}
	if err := m.privVal.SignAppendEntriesReply(m.chainID, reply); err != nil {
		m.Logger.Error("failed to sign AppendEntriesReply", "err", err)
		return
	}
	m.eventSwitch.FireEvent(EventAppendEntriesReply, &Envelope{To: to, Msg: &AppendEntriesReplyMessage{Reply: reply}})
}

// onAppendEntriesReply updates replication progress and advances the
// commit index once a weighted quorum holds an entry of the current
// term. Acks count only when signed by the follower's membership key;
// a forged ack must never inflate matchIndex toward quorum.
func (m *Manager) onAppendEntriesReply(reply *types.AppendEntriesReply) {
	if m.step != types.StateLeader {
		return
	}
	if err := reply.ValidateBasic(); err != nil {
		m.Logger.Error("invalid AppendEntriesReply", "err", err)
		return
	}
	_, follower := m.members.GetByAddress(reply.Follower)
	if follower == nil {
		m.Logger.Error("AppendEntriesReply from unknown validator", "follower", reply.Follower)
		return
	}
	if !follower.PubKey.VerifySignature(types.AppendEntriesReplySignBytes(m.chainID, reply), reply.Signature) {
		m.Logger.Error("AppendEntriesReply with bad signature", "follower", reply.Follower)
		return
	}
	curTerm := m.stateMgr.CurrentTerm()
	if reply.Term > curTerm {
		if err := m.stateMgr.UpdateTerm(reply.Term, nil); err != nil {
			m.Logger.Error("cannot persist observed term", "term", reply.Term, "err", err)
			return
		}
		m.stepDown(nil)
		return
	}
	if reply.Term < curTerm {
		return
	}

	key := reply.Follower.String()
	if _, known := m.nextIndex[key]; !known {
		m.Logger.Error("reply from unknown follower", "follower", reply.Follower)
		return
	}

	if !reply.Success {
		next := reply.ConflictIndex
		if next < 1 {
			next = 1
		}
		if next < m.nextIndex[key] {
			m.nextIndex[key] = next
		} else {
			m.nextIndex[key]--
			if m.nextIndex[key] < 1 {
				m.nextIndex[key] = 1
			}
		}
		m.sendAppendTo(reply.Follower)
		return
	}

	if reply.MatchIndex > m.matchIndex[key] {
		m.matchIndex[key] = reply.MatchIndex
	}
	if m.nextIndex[key] <= m.matchIndex[key] {
		m.nextIndex[key] = m.matchIndex[key] + 1
	}

	m.maybeAdvanceCommit()

	// keep pushing if the follower is still behind
	lastIndex, _ := m.stateMgr.LastLogPosition()
	if m.nextIndex[key] <= lastIndex {
		m.sendAppendTo(reply.Follower)
	}
}

// maybeAdvanceCommit finds the highest index replicated on a weighted
// quorum. Only entries of the current term commit by counting; older
// entries ride along.
func (m *Manager) maybeAdvanceCommit() {
	curTerm := m.stateMgr.CurrentTerm()
	quorum := m.members.QuorumWeight(m.cfg.Byzantine)
	lastIndex, _ := m.stateMgr.LastLogPosition()

	m.matchIndex[m.addr.String()] = lastIndex

	for n := lastIndex; n > m.stateMgr.CommitIndex(); n-- {
		entry := m.stateMgr.EntryAt(n)
		if entry == nil || entry.Term != curTerm {
			break
		}
		var weight int64
		m.members.Iterate(func(_ int, val *types.Validator) bool {
			if m.matchIndex[val.Address.String()] >= n {
				weight += val.VotingWeight
			}
			return false
		})
		if weight >= quorum {
			if err := m.stateMgr.AdvanceCommitIndex(n); err != nil {
				m.Logger.Error("cannot advance commit", "index", n, "err", err)
			}
			return
		}
	}
}
