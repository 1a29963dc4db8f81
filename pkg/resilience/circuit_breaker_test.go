package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/models"
)

var errBoom = errors.New("boom")

func testConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
		WindowSize:       10,
		HalfOpenMaxCalls: 1,
	}
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, models.CircuitOpen, cb.State())

	invoked := false
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.False(t, invoked, "open breaker must not invoke the call")

	stats := cb.Stats()
	assert.Equal(t, int64(4), stats.TotalCalls)
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, int64(1), stats.Rejections)
	assert.Equal(t, int64(1), stats.StateChanges)
}

func TestCircuitBreaker_SuccessDecaysFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, 2, cb.FailureCount())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 1, cb.FailureCount())
	assert.Equal(t, models.CircuitClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, models.CircuitClosed, cb.State())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, models.CircuitOpen, cb.State())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, models.CircuitOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, cb.Ready())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, models.CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, models.CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
	assert.Equal(t, int64(3), cb.Stats().StateChanges)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeed))
	require.Equal(t, models.CircuitHalfOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, models.CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.False(t, cb.Ready())
	assert.ErrorIs(t, cb.Admit(), ErrCircuitOpen)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.True(t, cb.Ready())
}

func TestCircuitBreaker_SlidingWindowRate(t *testing.T) {
	config := testConfig()
	config.FailureThreshold = 100
	config.WindowSize = 4
	config.ErrorThresholdPercentage = 50
	cb := NewCircuitBreaker(config)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, succeed)
	assert.Equal(t, models.CircuitClosed, cb.State(), "window not yet full")

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, models.CircuitOpen, cb.State())
	assert.InDelta(t, 50.0, cb.Stats().FailureRate, 0.001)
}

func TestCircuitBreaker_ErrorFilters(t *testing.T) {
	errIgnored := errors.New("not found")
	errCounted := errors.New("unavailable")

	t.Run("exclude", func(t *testing.T) {
		config := testConfig()
		config.ExcludeErrors = []error{errIgnored}
		cb := NewCircuitBreaker(config)

		for i := 0; i < 5; i++ {
			err := cb.Execute(context.Background(), func(context.Context) error { return errIgnored })
			assert.ErrorIs(t, err, errIgnored)
		}
		assert.Equal(t, models.CircuitClosed, cb.State())
		assert.Equal(t, int64(5), cb.Stats().Ignored)
	})

	t.Run("include", func(t *testing.T) {
		config := testConfig()
		config.IncludeErrors = []error{errCounted}
		cb := NewCircuitBreaker(config)

		for i := 0; i < 5; i++ {
			_ = cb.Execute(context.Background(), func(context.Context) error { return errIgnored })
		}
		assert.Equal(t, models.CircuitClosed, cb.State())

		for i := 0; i < 3; i++ {
			_ = cb.Execute(context.Background(), func(context.Context) error { return errCounted })
		}
		assert.Equal(t, models.CircuitOpen, cb.State())
	})
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	config := testConfig()
	var fallbackErrs []error
	config.Fallback = func(_ context.Context, err error) (interface{}, error) {
		fallbackErrs = append(fallbackErrs, err)
		return "cached", nil
	}
	cb := NewCircuitBreaker(config)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := cb.ExecuteWithResult(ctx, func(context.Context) (interface{}, error) { return nil, errBoom })
		require.NoError(t, err)
		assert.Equal(t, "cached", v)
	}

	v, err := cb.ExecuteWithResult(ctx, func(context.Context) (interface{}, error) { return "live", nil })
	require.NoError(t, err)
	assert.Equal(t, "cached", v)

	require.Len(t, fallbackErrs, 4)
	assert.ErrorIs(t, fallbackErrs[0], errBoom)
	assert.ErrorIs(t, fallbackErrs[3], ErrCircuitOpen)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	config := testConfig()
	var transitions []string
	var cb *CircuitBreaker
	config.OnStateChange = func(name string, from, to models.CircuitState) {
		// reading state here deadlocks if the lock is still held
		_ = cb.State()
		transitions = append(transitions, name+":"+string(from)+"->"+string(to))
	}
	cb = NewCircuitBreaker(config)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	cb.Reset()
	cb.Reset()

	assert.Equal(t, []string{"test:closed->open", "test:open->closed"}, transitions)
}

func TestCircuitBreaker_ForceOpen(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	cb.ForceOpen()
	assert.Equal(t, models.CircuitOpen, cb.State())
	assert.False(t, cb.Ready())
	assert.ErrorIs(t, cb.Admit(), ErrCircuitOpen)
	assert.Equal(t, int64(1), cb.Stats().Rejections)
}

// For any threshold, exactly that many consecutive failures open the breaker.
func TestCircuitBreaker_ThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("opens after exactly threshold failures", prop.ForAll(
		func(threshold int) bool {
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:             "prop",
				FailureThreshold: threshold,
				Timeout:          time.Hour,
			})
			for i := 0; i < threshold-1; i++ {
				_ = cb.Execute(context.Background(), fail)
				if cb.State() != models.CircuitClosed {
					return false
				}
			}
			_ = cb.Execute(context.Background(), fail)
			return cb.State() == models.CircuitOpen &&
				errors.Is(cb.Execute(context.Background(), succeed), ErrCircuitOpen)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
