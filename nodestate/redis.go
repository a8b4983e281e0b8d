package nodestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares node state between gateway instances and dashboards.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func stateKey(nodeID string) string {
	return fmt.Sprintf("binedge:node:%s:state", nodeID)
}

const allNodesKey = "binedge:nodes"

func (r *RedisStore) Put(ctx context.Context, st *NodeState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, stateKey(st.NodeID), data, 0)
	pipe.SAdd(ctx, allNodesKey, st.NodeID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, nodeID string) (*NodeState, error) {
	data, err := r.client.Get(ctx, stateKey(nodeID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st NodeState
	return &st, json.Unmarshal(data, &st)
}

func (r *RedisStore) All(ctx context.Context) ([]NodeState, error) {
	ids, err := r.client.SMembers(ctx, allNodesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]NodeState, 0, len(ids))
	for _, id := range ids {
		st, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (r *RedisStore) Remove(ctx context.Context, nodeID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, stateKey(nodeID))
	pipe.SRem(ctx, allNodesKey, nodeID)
	_, err := pipe.Exec(ctx)
	return err
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
