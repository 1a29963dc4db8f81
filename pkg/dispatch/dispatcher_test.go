package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/resilience"
	"github.com/syntor/relay/pkg/router"
)

type replyFunc func(ctx context.Context, req router.CallRequest) (interface{}, error)

// fakeCaller answers calls from a per-target table
type fakeCaller struct {
	mu       sync.Mutex
	replies  map[string]replyFunc
	requests []router.CallRequest
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{replies: make(map[string]replyFunc)}
}

func (f *fakeCaller) on(target string, fn replyFunc) *fakeCaller {
	f.replies[target] = fn
	return f
}

func (f *fakeCaller) Call(ctx context.Context, req router.CallRequest) (*models.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn, ok := f.replies[req.To]
	f.mu.Unlock()

	if !ok {
		return nil, models.NewCallError(models.KindUnregisteredTarget, req.To, nil)
	}
	body, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &models.Reply{AgentID: req.To, Body: body}, nil
}

func (f *fakeCaller) calls() []router.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]router.CallRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func answer(body interface{}) replyFunc {
	return func(context.Context, router.CallRequest) (interface{}, error) { return body, nil }
}

func fail(kind models.FailureKind) replyFunc {
	return func(_ context.Context, req router.CallRequest) (interface{}, error) {
		return nil, models.NewCallError(kind, req.To, errors.New("boom"))
	}
}

func testConfig() Config {
	config := DefaultConfig()
	config.DefaultTarget = "general"
	config.Retry = resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return config
}

func fixedIntent(intent Intent) Classifier {
	return ClassifierFunc(func(context.Context, string, map[string]interface{}) (Intent, error) {
		return intent, nil
	})
}

func TestDetermineTargets(t *testing.T) {
	d := New(newFakeCaller(), nil, testConfig())

	tests := []struct {
		name     string
		input    string
		intent   Intent
		targets  []string
		priority models.Priority
	}{
		{"falls back to default target", "hello", Intent{}, []string{"general"}, models.PriorityNormal},
		{"intent targets win", "hello", Intent{TargetIDs: []string{"a", "b"}}, []string{"a", "b"}, models.PriorityNormal},
		{"duplicates removed", "hello", Intent{TargetIDs: []string{"a", "a", "", "b"}}, []string{"a", "b"}, models.PriorityNormal},
		{"intent priority kept", "hello", Intent{Priority: models.PriorityLow}, []string{"general"}, models.PriorityLow},
		{"emergency keyword escalates", "URGENT: db down", Intent{Priority: models.PriorityLow}, []string{"general"}, models.PriorityCritical},
		{"keyword inside word", "an outage report", Intent{}, []string{"general"}, models.PriorityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, priority := d.DetermineTargets(tt.input, tt.intent)
			assert.Equal(t, tt.targets, targets)
			assert.Equal(t, tt.priority, priority)
		})
	}
}

func TestUpdateRouting(t *testing.T) {
	d := New(newFakeCaller(), nil, testConfig())

	d.UpdateRouting("ops", []string{"Pager"})

	targets, priority := d.DetermineTargets("pager went off", Intent{})
	assert.Equal(t, []string{"ops"}, targets)
	assert.Equal(t, models.PriorityCritical, priority)

	_, priority = d.DetermineTargets("urgent", Intent{})
	assert.Equal(t, models.PriorityNormal, priority)
}

func TestTimeoutsFor(t *testing.T) {
	timeouts := Timeouts{Critical: time.Second}

	assert.Equal(t, time.Second, timeouts.For(models.PriorityCritical))
	assert.Equal(t, 30*time.Second, timeouts.For(models.PriorityHigh))
	assert.Equal(t, 60*time.Second, timeouts.For(models.PriorityNormal))
	assert.Equal(t, 120*time.Second, timeouts.For(models.PriorityLow))
	assert.Equal(t, 60*time.Second, timeouts.For(models.Priority(0)))
}

func TestDispatchSingleTarget(t *testing.T) {
	caller := newFakeCaller().on("general", answer("hi there"))
	d := New(caller, nil, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "hi"})

	require.True(t, result.OK(), result.Message)
	assert.Equal(t, "hi there", result.Body)
	assert.Equal(t, []string{"general"}, result.Targets)
	assert.Equal(t, models.PriorityNormal, result.Priority)
	require.Contains(t, result.AgentResponses, "general")
	assert.Equal(t, 1, result.AgentResponses["general"].Attempts)

	calls := caller.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultSource, calls[0].From)
	assert.Equal(t, "hi", calls[0].Payload)
	assert.Equal(t, 60*time.Second, calls[0].Timeout)
}

func TestDispatchUsesPriorityTimeout(t *testing.T) {
	caller := newFakeCaller().on("general", answer("ok"))
	d := New(caller, nil, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "emergency!", From: "pager", Payload: map[string]string{"k": "v"}})

	require.True(t, result.OK())
	assert.Equal(t, models.PriorityCritical, result.Priority)
	calls := caller.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10*time.Second, calls[0].Timeout)
	assert.Equal(t, models.PriorityCritical, calls[0].Priority)
	assert.Equal(t, "pager", calls[0].From)
	assert.Equal(t, map[string]string{"k": "v"}, calls[0].Payload)
}

func TestDispatchFanOutPartialFailure(t *testing.T) {
	caller := newFakeCaller().
		on("a", answer("alpha")).
		on("b", fail(models.KindHandlerError)).
		on("c", answer("gamma"))
	d := New(caller, fixedIntent(Intent{TargetIDs: []string{"a", "b", "c"}}), testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "fan out"})

	require.True(t, result.OK())
	assert.Equal(t, "[a] alpha\n\n[c] gamma", result.Body)
	assert.NotContains(t, result.Body, "[b]")
	assert.Equal(t, []string{"b"}, result.FailedTargets)
	require.Len(t, result.AgentResponses, 3)
	assert.Equal(t, models.KindHandlerError, result.AgentResponses["b"].Kind)
	assert.True(t, result.AgentResponses["a"].Succeeded())
	assert.True(t, result.AgentResponses["c"].Succeeded())
}

func TestDispatchFanOutIsConcurrent(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	wait := func(ctx context.Context, req router.CallRequest) (interface{}, error) {
		started.Done()
		select {
		case <-release:
			return req.To, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	caller := newFakeCaller().on("a", wait).on("b", wait)
	d := New(caller, fixedIntent(Intent{TargetIDs: []string{"a", "b"}}), testConfig())

	done := make(chan models.Result, 1)
	go func() { done <- d.Dispatch(context.Background(), Request{Input: "x"}) }()

	// both calls must be in flight at once for this to return
	started.Wait()
	close(release)

	select {
	case result := <-done:
		require.True(t, result.OK())
		assert.Equal(t, "[a] a\n\n[b] b", result.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not complete")
	}
}

func TestDispatchAllTargetsFail(t *testing.T) {
	caller := newFakeCaller().
		on("a", fail(models.KindHandlerError)).
		on("b", fail(models.KindCircuitOpen))
	d := New(caller, fixedIntent(Intent{TargetIDs: []string{"a", "b"}}), testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.False(t, result.OK())
	assert.Equal(t, models.KindAggregateFailure, result.Kind)
	assert.ElementsMatch(t, []string{"a", "b"}, result.FailedTargets)
	assert.Contains(t, result.Message, "all 2 targets failed")
	assert.ErrorIs(t, result.Err(), models.ErrAggregateFailure)
}

func TestDispatchSingleFailureKeepsKind(t *testing.T) {
	caller := newFakeCaller().on("general", fail(models.KindCircuitOpen))
	d := New(caller, nil, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.False(t, result.OK())
	assert.Equal(t, models.KindCircuitOpen, result.Kind)
	assert.Equal(t, []string{"general"}, result.FailedTargets)
	assert.Equal(t, 1, result.AgentResponses["general"].Attempts)
}

func TestDispatchUnknownTarget(t *testing.T) {
	d := New(newFakeCaller(), fixedIntent(Intent{TargetIDs: []string{"ghost"}}), testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.False(t, result.OK())
	assert.Equal(t, models.KindUnregisteredTarget, result.Kind)
	assert.Equal(t, []string{"ghost"}, result.FailedTargets)
}

func TestDispatchNoTarget(t *testing.T) {
	config := testConfig()
	config.DefaultTarget = ""
	d := New(newFakeCaller(), nil, config)

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.False(t, result.OK())
	assert.Equal(t, models.KindUnregisteredTarget, result.Kind)
	assert.Empty(t, result.Targets)
}

func TestDispatchRetriesQueueFull(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	caller := newFakeCaller().on("general", func(_ context.Context, req router.CallRequest) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, models.NewCallError(models.KindQueueFull, req.To, nil)
		}
		return "finally", nil
	})
	d := New(caller, nil, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	require.True(t, result.OK())
	assert.Equal(t, "finally", result.Body)
	assert.Equal(t, 3, result.AgentResponses["general"].Attempts)
	assert.Equal(t, int64(2), d.Stats().Retries)
}

func TestDispatchDoesNotRetryTimeouts(t *testing.T) {
	caller := newFakeCaller().on("general", fail(models.KindTimeout))
	d := New(caller, nil, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.Equal(t, models.KindTimeout, result.Kind)
	assert.Len(t, caller.calls(), 1)
	assert.Zero(t, d.Stats().Retries)
}

func TestDispatchClassifierFailureUsesDefault(t *testing.T) {
	caller := newFakeCaller().on("general", answer("fallback"))

	t.Run("error", func(t *testing.T) {
		classifier := ClassifierFunc(func(context.Context, string, map[string]interface{}) (Intent, error) {
			return Intent{TargetIDs: []string{"ignored"}}, errors.New("model offline")
		})
		d := New(caller, classifier, testConfig())

		result := d.Dispatch(context.Background(), Request{Input: "x"})

		require.True(t, result.OK())
		assert.Equal(t, []string{"general"}, result.Targets)
		assert.Equal(t, int64(1), d.Stats().ClassifierFails)
	})

	t.Run("panic", func(t *testing.T) {
		classifier := ClassifierFunc(func(context.Context, string, map[string]interface{}) (Intent, error) {
			panic("bad rule")
		})
		d := New(caller, classifier, testConfig())

		result := d.Dispatch(context.Background(), Request{Input: "x"})

		require.True(t, result.OK())
		assert.Equal(t, "fallback", result.Body)
	})
}

func TestDispatchRateLimited(t *testing.T) {
	caller := newFakeCaller().on("general", answer("ok"))
	config := testConfig()
	config.RateLimit = 0.001
	config.Burst = 1
	d := New(caller, nil, config)

	first := d.Dispatch(context.Background(), Request{Input: "x"})
	second := d.Dispatch(context.Background(), Request{Input: "x"})

	assert.True(t, first.OK())
	assert.False(t, second.OK())
	assert.Equal(t, models.KindRateLimited, second.Kind)
	assert.Equal(t, int64(1), d.Stats().RateLimited)
	assert.Len(t, caller.calls(), 1)
}

func TestDispatchCanceledContext(t *testing.T) {
	caller := newFakeCaller().on("general", answer("ok"))
	d := New(caller, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := d.Dispatch(ctx, Request{Input: "x"})

	assert.False(t, result.OK())
	assert.Equal(t, models.KindCanceled, result.Kind)
	assert.Empty(t, caller.calls())
}

func TestDispatchStats(t *testing.T) {
	caller := newFakeCaller().
		on("a", answer("ok")).
		on("b", fail(models.KindHandlerError))
	d := New(caller, fixedIntent(Intent{TargetIDs: []string{"a", "b"}, Priority: models.PriorityHigh}), testConfig())

	d.Dispatch(context.Background(), Request{Input: "x"})
	d.Dispatch(context.Background(), Request{Input: "urgent x"})

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Routed)
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(2), stats.AgentCalls["a"])
	assert.Equal(t, int64(2), stats.AgentCalls["b"])
	assert.Equal(t, int64(1), stats.ByPriority[models.PriorityHigh])
	assert.Equal(t, int64(1), stats.ByPriority[models.PriorityCritical])

	// returned maps are copies
	stats.AgentCalls["a"] = 100
	assert.Equal(t, int64(2), d.Stats().AgentCalls["a"])
}

type named struct{ name string }

func (n named) String() string { return "named:" + n.name }

func TestFormatBody(t *testing.T) {
	assert.Equal(t, "", FormatBody(nil))
	assert.Equal(t, "text", FormatBody("text"))
	assert.Equal(t, "raw", FormatBody([]byte("raw")))
	assert.Equal(t, "named:x", FormatBody(named{"x"}))
	assert.Equal(t, "oops", FormatBody(errors.New("oops")))
	assert.Equal(t, `{"n":1}`, FormatBody(map[string]int{"n": 1}))
	assert.Equal(t, "42", FormatBody(42))
}

func TestDispatchThroughRouter(t *testing.T) {
	breakers := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(""))
	server := router.NewServer(router.Config{QueueSize: 10, PollInterval: 10 * time.Millisecond}, breakers)
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	upper := func(_ context.Context, msg models.Message) (interface{}, error) {
		return "handled " + msg.Payload.(string), nil
	}
	require.NoError(t, server.Register("billing", upper))
	require.NoError(t, server.Register("support", upper))

	classifier := NewKeywordClassifier([]Rule{
		{Name: "money", Keywords: []string{"invoice"}, Targets: []string{"billing"}},
		{Name: "help", Keywords: []string{"help"}, Targets: []string{"support"}, Priority: models.PriorityHigh},
	})
	d := New(server, classifier, testConfig())

	result := d.Dispatch(context.Background(), Request{Input: "help with my invoice"})

	require.True(t, result.OK(), result.Message)
	assert.Equal(t, models.PriorityHigh, result.Priority)
	assert.Equal(t, "[billing] handled help with my invoice\n\n[support] handled help with my invoice", result.Body)
}
