package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/router"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := Dial(context.Background(), Config{Addr: mr.Addr(), Prefix: "test:", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func agentStats(id string, processed int64) router.AgentStats {
	return router.AgentStats{
		AgentID:   id,
		Health:    models.HealthHealthy,
		Processed: processed,
	}
}

type staticSource struct {
	mu    sync.Mutex
	stats []router.AgentStats
}

func (s *staticSource) AllAgentStats() []router.AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]router.AgentStats(nil), s.stats...)
}

func (s *staticSource) set(stats ...router.AgentStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestWriteAndGet(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "node-1", []router.AgentStats{agentStats("echo", 4)}))

	snap, ok, err := store.Get(ctx, "echo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-1", snap.Instance)
	assert.Equal(t, int64(4), snap.Agent.Processed)
	assert.WithinDuration(t, time.Now(), snap.PublishedAt, time.Minute)

	assert.True(t, mr.Exists("test:agent:echo"))
	assert.Equal(t, time.Minute, mr.TTL("test:agent:echo"))
	members, err := mr.Members("test:agents")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, members)

	_, ok, err = store.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListPrunesExpired(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "node-1", []router.AgentStats{agentStats("b", 1), agentStats("a", 2)}))

	snaps, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Agent.AgentID)
	assert.Equal(t, "b", snaps[1].Agent.AgentID)

	mr.FastForward(2 * time.Minute)

	snaps, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.False(t, mr.Exists("test:agents"))
}

func TestRemove(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "n", []router.AgentStats{agentStats("a", 1), agentStats("b", 1)}))

	require.NoError(t, store.Remove(ctx, "a"))
	require.NoError(t, store.Remove(ctx))

	snaps, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "b", snaps[0].Agent.AgentID)
}

func TestPublisherRemovesUnregisteredAgents(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	source := &staticSource{}
	source.set(agentStats("a", 1), agentStats("b", 1))
	p := NewPublisher(store, source, "node-1", time.Hour, nil)

	require.NoError(t, p.PublishOnce(ctx))
	source.set(agentStats("b", 5))
	require.NoError(t, p.PublishOnce(ctx))

	snaps, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "b", snaps[0].Agent.AgentID)
	assert.Equal(t, int64(5), snaps[0].Agent.Processed)
}

func TestPublisherRun(t *testing.T) {
	_, store := setupStore(t)
	source := &staticSource{}
	source.set(agentStats("echo", 1))
	p := NewPublisher(store, source, "node-1", 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	source.set(agentStats("echo", 9))
	require.Eventually(t, func() bool {
		snap, ok, err := store.Get(context.Background(), "echo")
		return err == nil && ok && snap.Agent.Processed == 9
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestStoreWithExistingClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client, "", 0)
	defer store.Close()

	require.NoError(t, store.Write(context.Background(), "n", []router.AgentStats{agentStats("x", 1)}))
	assert.Equal(t, time.Minute, mr.TTL("agent:x"))
}
