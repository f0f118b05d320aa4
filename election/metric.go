package election

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

func newElectionMetric() *electionMetric {
	return &electionMetric{
		Term:          0,
		Step:          "FOLLOWER",
		LeaderAddress: "",
	}
}

type electionMetric struct {
	Term          int64     `json:"current_term"`
	Step          string    `json:"step"`
	LeaderAddress string    `json:"leader_address"`
	LastElection  time.Time `json:"last_election_time"`

	ElectionsWon  int64 `json:"elections_won"`
	ElectionsLost int64 `json:"elections_lost"`
	VotesGranted  int64 `json:"votes_granted"`
	Degraded      bool  `json:"degraded"`
}

func (em *electionMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(em)
	return s
}

func (em *electionMetric) MarkTerm(term int64) {
	em.Term = term
}

func (em *electionMetric) MarkStep(step string) {
	em.Step = step
}

func (em *electionMetric) MarkLeader(addr string) {
	em.LeaderAddress = addr
}

func (em *electionMetric) MarkElectionStart(t time.Time) {
	em.LastElection = t
}

func (em *electionMetric) MarkElectionWon() {
	em.ElectionsWon++
}

func (em *electionMetric) MarkElectionLost() {
	em.ElectionsLost++
}

func (em *electionMetric) MarkVoteGranted() {
	em.VotesGranted++
}

func (em *electionMetric) MarkDegraded(v bool) {
	em.Degraded = v
}
