package pipeline

import (
	"sort"
	"sync"

	"hyperraft/types"
)

// ----- stage 3: parallel execution -----

// executeStage applies the surviving transactions to a working-copy
// projection of the committed state. Transactions from different
// senders are independent and execute concurrently; transactions from
// the same sender conflict and are serialized in nonce order. Nothing
// here touches authoritative state - that is stage 4's job.
func (p *Pipeline) executeStage(tasks []*task) {
	groups := make(map[string][]*task)
	for _, t := range tasks {
		if t.status == types.TxStatusRejected {
			continue
		}
		key := t.tx.Sender.String()
		groups[key] = append(groups[key], t)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		p.workers <- struct{}{}
		go func(group []*task) {
			defer wg.Done()
			defer func() { <-p.workers }()
			p.executeSenderGroup(group)
		}(group)
	}
	wg.Wait()
	p.metrics.StageDone(StageExecute)
}

// executeSenderGroup runs one conflicting subset sequentially. The
// projection seed is the sender's committed nonce; each transaction
// must strictly advance it, duplicates within the batch are rejected
// without touching the rest of the group.
func (p *Pipeline) executeSenderGroup(group []*task) {
	sort.Slice(group, func(i, j int) bool {
		return group[i].tx.Nonce < group[j].tx.Nonce
	})

	projected, known, err := p.stateMgr.Store().SenderNonce(group[0].tx.Sender)
	if err != nil {
		for _, t := range group {
			t.reject(types.ReasonExecutionFailed)
		}
		return
	}

	for _, t := range group {
		if known && t.tx.Nonce <= projected {
			t.reject(types.ReasonDuplicateNonce)
			continue
		}
		if !known {
			known = true
		}
		projected = t.tx.Nonce
	}
}
