package nodestate

import (
	"context"
	"log"
	"time"
)

// Manager folds poll results into the node state store.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// RecordPoll updates a node after a poll. success marks a healthy reading;
// a zero next keeps the previously known due time.
func (m *Manager) RecordPoll(ctx context.Context, nodeID, outcome string, success bool, value int, reason string, at, next time.Time) (*NodeState, error) {
	st, err := m.store.Get(ctx, nodeID)
	if err != nil {
		log.Printf("nodestate: read %s: %v", nodeID, err)
	}
	if st == nil {
		st = &NodeState{NodeID: nodeID}
	}
	st.LastOutcome = outcome
	st.LastValue = value
	st.Reason = reason
	st.LastPolledAt = at
	if !next.IsZero() {
		st.NextDueAt = next
	}
	st.Polls++
	if success {
		st.Consecutive = 0
	} else {
		st.Failures++
		st.Consecutive++
	}
	return st, m.store.Put(ctx, st)
}

// Get returns the state for one node, or nil.
func (m *Manager) Get(ctx context.Context, nodeID string) (*NodeState, error) {
	return m.store.Get(ctx, nodeID)
}

// All returns every known node ordered by id.
func (m *Manager) All(ctx context.Context) ([]NodeState, error) {
	return m.store.All(ctx)
}

// Forget drops a node's state.
func (m *Manager) Forget(ctx context.Context, nodeID string) error {
	return m.store.Remove(ctx, nodeID)
}
