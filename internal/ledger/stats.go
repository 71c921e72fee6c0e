package ledger

import "sync"

// AgentStats accumulates the gateway's own view of agent executions
// between registry syncs. The chain stays authoritative; these
// counters enrich listings with activity the contract has not been
// updated with yet.
type AgentStats struct {
	mu     sync.RWMutex
	counts map[int64]*agentCount
}

type agentCount struct {
	total      int64
	successful int64
}

// NewAgentStats creates an empty counter set.
func NewAgentStats() *AgentStats {
	return &AgentStats{counts: make(map[int64]*agentCount)}
}

// RecordExecution counts one execution for an agent.
func (a *AgentStats) RecordExecution(agentID int64, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.counts[agentID]
	if !ok {
		c = &agentCount{}
		a.counts[agentID] = c
	}
	c.total++
	if success {
		c.successful++
	}
}

// Get returns the counters for an agent.
func (a *AgentStats) Get(agentID int64) (total, successful int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c, ok := a.counts[agentID]
	if !ok {
		return 0, 0
	}
	return c.total, c.successful
}
