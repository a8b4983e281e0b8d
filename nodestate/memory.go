package nodestate

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps node state in process.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]NodeState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]NodeState)}
}

func (m *MemoryStore) Put(_ context.Context, st *NodeState) error {
	m.mu.Lock()
	m.nodes[st.NodeID] = *st
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, nodeID string) (*NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) All(_ context.Context) ([]NodeState, error) {
	m.mu.RLock()
	out := make([]NodeState, 0, len(m.nodes))
	for _, st := range m.nodes {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, nodeID string) error {
	m.mu.Lock()
	delete(m.nodes, nodeID)
	m.mu.Unlock()
	return nil
}
