// Package snapshot publishes per-agent router stats to Redis so that other
// processes (the relay CLI, dashboards) can read them without reaching the
// admin server.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntor/relay/pkg/router"
)

// Key layout under the configured prefix
const (
	keyPrefixAgent = "agent:"
	keyAgentSet    = "agents"
)

// Config holds Redis connection and key settings
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Snapshot is one agent's stats as published by one relay instance
type Snapshot struct {
	Instance    string            `json:"instance"`
	PublishedAt time.Time         `json:"published_at"`
	Agent       router.AgentStats `json:"agent"`
}

// Store reads and writes snapshots. Every agent key carries a TTL so a
// stopped relay's entries age out; the index set is pruned lazily on read.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore wraps an existing client
func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewStore(client, config.Prefix, config.TTL), nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) agentKey(id string) string {
	return s.prefix + keyPrefixAgent + id
}

func (s *Store) setKey() string {
	return s.prefix + keyAgentSet
}

// Write stores one snapshot per agent in a single pipeline
func (s *Store) Write(ctx context.Context, instance string, stats []router.AgentStats) error {
	if len(stats) == 0 {
		return nil
	}

	now := time.Now()
	pipe := s.client.Pipeline()
	for _, st := range stats {
		data, err := json.Marshal(Snapshot{Instance: instance, PublishedAt: now, Agent: st})
		if err != nil {
			return fmt.Errorf("failed to serialize snapshot for %s: %w", st.AgentID, err)
		}
		pipe.Set(ctx, s.agentKey(st.AgentID), data, s.ttl)
		pipe.SAdd(ctx, s.setKey(), st.AgentID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshots: %w", err)
	}
	return nil
}

// Remove deletes the snapshots of ids
func (s *Store) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		pipe.Del(ctx, s.agentKey(id))
		members[i] = id
	}
	pipe.SRem(ctx, s.setKey(), members...)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove snapshots: %w", err)
	}
	return nil
}

// Get returns the snapshot of one agent; ok is false when none is stored
func (s *Store) Get(ctx context.Context, id string) (snap Snapshot, ok bool, err error) {
	data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to deserialize snapshot: %w", err)
	}
	return snap, true, nil
}

// List returns every live snapshot sorted by agent id. Index entries whose
// key has expired are removed.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(ids)

	snaps := make([]Snapshot, 0, len(ids))
	var expired []interface{}
	for _, id := range ids {
		snap, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			expired = append(expired, id)
			continue
		}
		snaps = append(snaps, snap)
	}

	if len(expired) > 0 {
		if err := s.client.SRem(ctx, s.setKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune snapshot index: %w", err)
		}
	}
	return snaps, nil
}
