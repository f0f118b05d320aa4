package election

import (
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	"hyperraft/config"
	"hyperraft/state"
	"hyperraft/types"
)

// FitnessFunc reports this node's advisory fitness in [0,1]. A fitter
// node draws shorter election timeouts and therefore tends to stand
// for election first. Fitness never affects whether a vote is granted.
type FitnessFunc func() float64

// degradedAfter is the number of consecutive failed elections after
// which the node reports itself degraded.
const degradedAfter = 3

// Status is a point-in-time view of the election state machine.
type Status struct {
	Term     int64           `json:"term"`
	Step     types.StateType `json:"step"`
	Leader   types.Address   `json:"leader"`
	Degraded bool            `json:"degraded"`
}

// Manager runs the leader election and log replication state machine.
// All state transitions happen on a single receive routine fed by the
// peer queue, the internal queue, the election timer and the heartbeat
// ticker.
type Manager struct {
	service.BaseService

	cfg     *config.ConsensusConfig
	chainID string

	privVal types.PrivValidator
	addr    types.Address

	stateMgr *state.Manager
	members  *types.MembershipSet

	mtx      sync.Mutex
	step     types.StateType
	leader   types.Address
	voteSet  *VoteSet
	attempts int // consecutive failed elections

	// leader-side replication progress, keyed by validator address
	nextIndex  map[string]int64
	matchIndex map[string]int64

	timer      *electionTimer
	heartbeat  *time.Ticker
	fitness    FitnessFunc
	fitnessMtx sync.RWMutex

	metric *electionMetric

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	eventSwitch      events.EventSwitch
}

type ManagerOption func(*Manager)

// WithFitnessFunc injects the advisory fitness source.
func WithFitnessFunc(f FitnessFunc) ManagerOption {
	return func(m *Manager) { m.fitness = f }
}

func NewManager(
	cfg *config.ConsensusConfig,
	chainID string,
	privVal types.PrivValidator,
	stateMgr *state.Manager,
	options ...ManagerOption,
) *Manager {
	m := &Manager{
		cfg:              cfg,
		chainID:          chainID,
		privVal:          privVal,
		addr:             privVal.GetAddress(),
		stateMgr:         stateMgr,
		members:          stateMgr.Members(),
		step:             types.StateFollower,
		nextIndex:        make(map[string]int64),
		matchIndex:       make(map[string]int64),
		timer:            newElectionTimer(),
		metric:           newElectionMetric(),
		fitness:          func() float64 { return 0 },
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		eventSwitch:      events.NewEventSwitch(),
	}
	m.BaseService = *service.NewBaseService(nil, "ELECTION", m)

	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Manager) SetLogger(logger log.Logger) {
	m.Logger = logger
	if m.timer != nil {
		m.timer.Logger = logger
	}
}

func (m *Manager) OnStart() error {
	if err := m.eventSwitch.Start(); err != nil {
		return err
	}
	if err := m.timer.Start(); err != nil {
		return err
	}
	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)

	go m.receiveRoutine()

	m.resetElectionTimer()
	m.Logger.Info("election manager started", "addr", m.addr, "term", m.stateMgr.CurrentTerm())
	return nil
}

func (m *Manager) OnStop() {
	m.heartbeat.Stop()
	if err := m.timer.Stop(); err != nil {
		m.Logger.Error("failed trying to stop election timer", "error", err)
	}
	if err := m.eventSwitch.Stop(); err != nil {
		m.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
}

//-----------------------------------------------------------------------------
// public surface

// IsLeader reports whether this node currently believes it is leader.
func (m *Manager) IsLeader() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.step == types.StateLeader
}

// Leader returns the current leader hint, possibly nil.
func (m *Manager) Leader() types.Address {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.leader
}

// GetStatus reports term, role, leader hint and the degraded flag.
func (m *Manager) GetStatus() Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return Status{
		Term:     m.stateMgr.CurrentTerm(),
		Step:     m.step,
		Leader:   m.leader,
		Degraded: m.attempts >= degradedAfter,
	}
}

// Metric exposes the election metric item for the metric registry.
func (m *Manager) Metric() *electionMetric {
	return m.metric
}

// NotifyNewEntry asks the replication half to push the freshly
// appended leader entry to every follower without waiting for the
// next heartbeat.
func (m *Manager) NotifyNewEntry() {
	m.sendInternalMessage(msgInfo{&replicateNowMessage{}, ""})
}

// ForceElection makes the node stand for election immediately,
// regardless of the timer. Used by operators to heal a stuck cluster.
func (m *Manager) ForceElection() {
	m.sendInternalMessage(msgInfo{&forceElectionMessage{}, ""})
}

// SendPeerMessage feeds a message from the reactor into the state
// machine. It blocks only if the receive routine has quit.
func (m *Manager) SendPeerMessage(msg Message, peerID p2p.ID) {
	select {
	case m.peerMsgQueue <- msgInfo{msg, peerID}:
	case <-m.Quit():
	}
}

//-----------------------------------------------------------------------------
// receive routine

func (m *Manager) receiveRoutine() {
	m.Logger.Debug("election receive routine starts")
	for {
		select {
		case <-m.Quit():
			m.Logger.Info("election receive routine quit")
			return

		case mi := <-m.peerMsgQueue:
			m.handleMsg(mi)

		case mi := <-m.internalMsgQueue:
			m.handleMsg(mi)

		case ti := <-m.timer.Chan():
			m.handleTimeout(ti)

		case <-m.heartbeat.C:
			m.handleHeartbeatTick()
		}
	}
}

func (m *Manager) handleMsg(mi msgInfo) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	switch msg := mi.Msg.(type) {
	case *RequestVoteMessage:
		m.onRequestVote(msg.RequestVote)
	case *VoteMessage:
		m.onVote(msg.Vote)
	case *AppendEntriesMessage:
		m.onAppendEntries(msg.AppendEntries)
	case *AppendEntriesReplyMessage:
		m.onAppendEntriesReply(msg.Reply)
	case *replicateNowMessage:
		if m.step == types.StateLeader {
			m.broadcastAppendEntries()
			// a single-node quorum is just us
			m.maybeAdvanceCommit()
		}
	case *forceElectionMessage:
		m.Logger.Info("election forced by operator")
		m.startElection()
	default:
		m.Logger.Error("unknown message type", "msg", fmt.Sprintf("%T", msg))
	}
}

func (m *Manager) handleTimeout(ti timeoutInfo) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.step == types.StateLeader {
		return // leaders do not time out on the election clock
	}
	if ti.Term < m.stateMgr.CurrentTerm() {
		m.Logger.Debug("expired election timeout", "timeout", ti)
		return
	}
	m.Logger.Info("election timeout", "term", ti.Term, "attempts", m.attempts)
	if m.step == types.StateCandidate {
		m.metric.MarkElectionLost()
	}
	m.startElection()
}

func (m *Manager) handleHeartbeatTick() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.step != types.StateLeader {
		return
	}
	m.broadcastAppendEntries()
	m.maybeAdvanceCommit()
}

//-----------------------------------------------------------------------------
// candidate side

// startElection moves to a new term, durably votes for itself, then
// solicits ballots. Requires mtx. If the self-vote cannot be
// persisted the node stays follower.
func (m *Manager) startElection() {
	newTerm := m.stateMgr.CurrentTerm() + 1

	if err := m.stateMgr.UpdateTerm(newTerm, m.addr); err != nil {
		m.Logger.Error("cannot persist candidacy, staying follower", "term", newTerm, "err", err)
		m.attempts++
		m.resetElectionTimer()
		return
	}

	m.step = types.StateCandidate
	m.leader = nil
	m.attempts++
	m.voteSet = NewVoteSet(m.chainID, newTerm, m.addr, m.members, m.cfg.Byzantine)

	m.metric.MarkTerm(newTerm)
	m.metric.MarkStep(types.StateCandidate.String())
	m.metric.MarkElectionStart(time.Now())
	m.metric.MarkDegraded(m.attempts >= degradedAfter)

	lastIndex, lastTerm := m.stateMgr.LastLogPosition()
	req := &types.RequestVote{
		Term:         newTerm,
		Candidate:    m.addr,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		Fitness:      m.selfFitness(),
	}
	if err := m.privVal.SignRequestVote(m.chainID, req); err != nil {
		m.Logger.Error("failed to sign RequestVote", "err", err)
		m.resetElectionTimer()
		return
	}

	// count our own persisted ballot first; a single-node cluster
	// wins right here
	self := m.makeVote(newTerm, m.addr, true)
	if self != nil {
		if _, err := m.voteSet.AddVote(self); err != nil {
			m.Logger.Error("failed to count own vote", "err", err)
		}
	}

	m.Logger.Info("standing for election", "term", newTerm, "lastIndex", lastIndex)
	m.eventSwitch.FireEvent(EventRequestVote, &Envelope{Msg: &RequestVoteMessage{RequestVote: req}})

	if m.voteSet.HasQuorum() {
		m.becomeLeader()
		return
	}
	m.resetElectionTimer()
}

// onRequestVote decides a ballot for msg.Candidate. The decision is
// persisted before the signed reply leaves the node. Requires mtx.
func (m *Manager) onRequestVote(msg *types.RequestVote) {
	if err := msg.ValidateBasic(); err != nil {
		m.Logger.Error("invalid RequestVote", "err", err)
		return
	}
	_, candidate := m.members.GetByAddress(msg.Candidate)
	if candidate == nil {
		m.Logger.Error("RequestVote from unknown validator", "candidate", msg.Candidate)
		return
	}
	if !candidate.PubKey.VerifySignature(types.RequestVoteSignBytes(m.chainID, msg), msg.Signature) {
		m.Logger.Error("RequestVote with bad signature", "candidate", msg.Candidate)
		return
	}

	curTerm := m.stateMgr.CurrentTerm()
	if msg.Term < curTerm {
		m.sendVote(m.makeVote(curTerm, msg.Candidate, false), msg.Candidate)
		return
	}

	if msg.Term > curTerm {
		// observe the higher term without granting yet
		if err := m.stateMgr.UpdateTerm(msg.Term, nil); err != nil {
			m.Logger.Error("cannot persist observed term", "term", msg.Term, "err", err)
			return
		}
		m.stepDown(nil)
	}

	granted := m.decideVoteLocked(msg)
	if granted {
		// the grant must survive a crash before the candidate can
		// count it
		if err := m.stateMgr.UpdateTerm(msg.Term, msg.Candidate); err != nil {
			m.Logger.Error("cannot persist vote grant", "candidate", msg.Candidate, "err", err)
			return
		}
		m.metric.MarkVoteGranted()
		m.resetElectionTimer()
	}
	m.sendVote(m.makeVote(msg.Term, msg.Candidate, granted), msg.Candidate)
}

// decideVoteLocked applies the grant rule: at most one candidate per
// term, and the candidate's log must be at least as up to date as
// ours. Fitness plays no part here.
func (m *Manager) decideVoteLocked(msg *types.RequestVote) bool {
	votedFor := m.stateMgr.VotedFor()
	if votedFor != nil && !votedFor.Equal(msg.Candidate) {
		return false
	}
	lastIndex, lastTerm := m.stateMgr.LastLogPosition()
	if msg.LastLogTerm != lastTerm {
		return msg.LastLogTerm > lastTerm
	}
	return msg.LastLogIndex >= lastIndex
}

func (m *Manager) onVote(vote *types.Vote) {
	if m.step != types.StateCandidate {
		return
	}
	if vote.Term != m.stateMgr.CurrentTerm() {
		return
	}
	added, err := m.voteSet.AddVote(vote)
	if err != nil {
		m.Logger.Error("rejecting vote", "err", err, "vote", vote)
		return
	}
	if !added {
		return
	}
	m.Logger.Debug("counted vote", "set", m.voteSet)
	if m.voteSet.HasQuorum() {
		m.becomeLeader()
	}
}

// becomeLeader initialises replication progress and announces
// leadership with an immediate heartbeat. Requires mtx.
func (m *Manager) becomeLeader() {
	m.step = types.StateLeader
	m.leader = m.addr
	m.attempts = 0

	// entries replicated under earlier terms never commit by counting;
	// a no-op in our own term pulls them over the line
	if last, _ := m.stateMgr.LastLogPosition(); last > m.stateMgr.CommitIndex() {
		if _, err := m.stateMgr.AppendAsLeader(types.NewLeaderNoopBatch(m.stateMgr.CurrentTerm())); err != nil {
			m.Logger.Error("cannot append leader no-op", "err", err)
		}
	}

	lastIndex, _ := m.stateMgr.LastLogPosition()
	m.nextIndex = make(map[string]int64)
	m.matchIndex = make(map[string]int64)
	m.members.Iterate(func(_ int, val *types.Validator) bool {
		m.nextIndex[val.Address.String()] = lastIndex + 1
		m.matchIndex[val.Address.String()] = 0
		return false
	})
	m.matchIndex[m.addr.String()] = lastIndex

	m.metric.MarkStep(types.StateLeader.String())
	m.metric.MarkLeader(m.addr.String())
	m.metric.MarkElectionWon()
	m.metric.MarkDegraded(false)

	m.Logger.Info("elected leader", "term", m.stateMgr.CurrentTerm(), "votes", m.voteSet)
	m.broadcastAppendEntries()
	m.maybeAdvanceCommit()
}

// stepDown returns to follower. leaderHint may be nil when the new
// leader is not yet known. Requires mtx.
func (m *Manager) stepDown(leaderHint types.Address) {
	if m.step != types.StateFollower {
		m.Logger.Info("stepping down", "from", m.step, "term", m.stateMgr.CurrentTerm())
	}
	m.step = types.StateFollower
	m.leader = leaderHint
	m.voteSet = nil
	m.metric.MarkStep(types.StateFollower.String())
	m.metric.MarkLeader(leaderHint.String())
	m.metric.MarkTerm(m.stateMgr.CurrentTerm())
	m.resetElectionTimer()
}

//-----------------------------------------------------------------------------
// helpers

func (m *Manager) makeVote(term int64, candidate types.Address, granted bool) *types.Vote {
	idx, _ := m.members.GetByAddress(m.addr)
	vote := &types.Vote{
		Term:             term,
		Candidate:        candidate,
		Granted:          granted,
		Timestamp:        time.Now(),
		ValidatorAddress: m.addr,
		ValidatorIndex:   idx,
	}
	if err := m.privVal.SignVote(m.chainID, vote); err != nil {
		m.Logger.Error("failed to sign vote", "err", err)
		return nil
	}
	return vote
}

func (m *Manager) sendVote(vote *types.Vote, to types.Address) {
	if vote == nil {
		return
	}
	if to.Equal(m.addr) {
		// our own candidacy counts ballots directly
		m.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
		return
	}
	m.eventSwitch.FireEvent(EventVote, &Envelope{To: to, Msg: &VoteMessage{Vote: vote}})
}

func (m *Manager) selfFitness() float64 {
	m.fitnessMtx.RLock()
	defer m.fitnessMtx.RUnlock()
	return m.fitness()
}

// SetFitnessFunc replaces the fitness source at runtime.
func (m *Manager) SetFitnessFunc(f FitnessFunc) {
	m.fitnessMtx.Lock()
	defer m.fitnessMtx.Unlock()
	m.fitness = f
}

// resetElectionTimer re-arms the randomized timeout for the current
// term. Requires mtx (or start-up, before the routine runs).
func (m *Manager) resetElectionTimer() {
	d := drawTimeout(
		m.cfg.ElectionTimeoutMin,
		m.cfg.ElectionTimeoutMax,
		m.cfg.MaxElectionBackoff,
		m.selfFitness(),
		m.attempts,
	)
	m.timer.ScheduleTimeout(timeoutInfo{Duration: d, Term: m.stateMgr.CurrentTerm()})
}

func (m *Manager) sendInternalMessage(mi msgInfo) {
	select {
	case m.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our messages can be
		// processed out of order.
		m.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			select {
			case m.internalMsgQueue <- mi:
			case <-m.Quit():
			}
		}()
	}
}
