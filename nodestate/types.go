package nodestate

import (
	"context"
	"time"
)

// NodeState is the last known condition of a node.
type NodeState struct {
	NodeID       string    `json:"node_id"`
	LastOutcome  string    `json:"last_outcome"`
	LastValue    int       `json:"last_value"`
	Reason       string    `json:"reason,omitempty"`
	LastPolledAt time.Time `json:"last_polled_at"`
	NextDueAt    time.Time `json:"next_due_at,omitempty"`
	Polls        int64     `json:"polls"`
	Failures     int64     `json:"failures"`
	// Consecutive counts unsuccessful polls since the last success.
	Consecutive int `json:"consecutive"`
}

// Store keeps node state. Get returns nil, nil for an unknown node.
type Store interface {
	Put(ctx context.Context, st *NodeState) error
	Get(ctx context.Context, nodeID string) (*NodeState, error)
	All(ctx context.Context) ([]NodeState, error)
	Remove(ctx context.Context, nodeID string) error
}
