package resilience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/models"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(testConfig())

	a := r.GetOrCreate("a")
	assert.Same(t, a, r.GetOrCreate("a"))
	assert.Equal(t, "a", a.Name())

	r.GetOrCreate("b")
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.Remove("a")
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(testConfig())
	for _, name := range []string{"a", "b"} {
		cb := r.GetOrCreate(name)
		for i := 0; i < 3; i++ {
			_ = cb.Execute(context.Background(), fail)
		}
	}
	assert.Equal(t, 2, r.OpenCount())

	assert.True(t, r.Reset("a"))
	assert.False(t, r.Reset("missing"))
	assert.Equal(t, 1, r.OpenCount())

	r.ResetAll()
	assert.Equal(t, 0, r.OpenCount())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, models.CircuitClosed, stats["b"].State)
}

func TestRegistry_StateListeners(t *testing.T) {
	r := NewRegistry(testConfig())
	var seen []string
	r.OnStateChange(func(name string, _, to models.CircuitState) {
		seen = append(seen, name+":"+string(to))
	})

	cb := r.GetOrCreate("a")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	r.Reset("a")

	assert.Equal(t, []string{"a:open", "a:closed"}, seen)
}

func TestRegistry_CreateReplaces(t *testing.T) {
	r := NewRegistry(testConfig())
	var seen []string
	r.OnStateChange(func(name string, _, to models.CircuitState) {
		seen = append(seen, name+":"+string(to))
	})

	old := r.GetOrCreate("a")
	old.ForceOpen()
	assert.Equal(t, 1, r.OpenCount())

	fresh := r.Create("a")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, models.CircuitClosed, fresh.State())
	assert.Same(t, fresh, r.GetOrCreate("a"))
	assert.Equal(t, 0, r.OpenCount())

	old.Reset()
	fresh.ForceOpen()
	assert.Equal(t, []string{"a:open", "a:open"}, seen)

	r.Remove("a")
	fresh.Reset()
	assert.Len(t, seen, 2)
	assert.False(t, r.Reset("a"))
}
