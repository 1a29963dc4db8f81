package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syntor/relay/pkg/models"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = models.ErrCircuitOpen

// CircuitBreaker implements the circuit breaker pattern.
//
// CLOSED trips to OPEN on FailureThreshold consecutive failures or when the
// sliding window of the last WindowSize outcomes reaches
// ErrorThresholdPercentage failures. OPEN moves to HALF_OPEN once Timeout has
// elapsed; HALF_OPEN admits HalfOpenMaxCalls probes at a time, closes after
// SuccessThreshold successes and reopens on any failure.
type CircuitBreaker struct {
	name            string
	state           models.CircuitState
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastStateChange time.Time

	window *outcomeWindow

	// Configuration
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	errorPercentage  float64
	halfOpenMaxCalls int
	isFailure        func(error) bool
	fallback         func(ctx context.Context, err error) (interface{}, error)

	// Half-open state tracking
	halfOpenCalls int

	// Counters
	totalCalls   int64
	successes    int64
	failures     int64
	ignored      int64
	rejections   int64
	stateChanges int64

	// Callbacks
	onStateChange func(name string, from, to models.CircuitState)

	mu sync.RWMutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name                     string
	FailureThreshold         int           // Consecutive failures before opening
	SuccessThreshold         int           // Successes in half-open to close
	Timeout                  time.Duration // Time to wait before transitioning to half-open
	WindowSize               int           // Outcomes kept for the failure rate
	ErrorThresholdPercentage float64       // Failure rate that opens a full window, 0 disables
	HalfOpenMaxCalls         int           // Max concurrent probes in half-open state

	// IncludeErrors, when set, limits counted failures to errors matching one of them.
	IncludeErrors []error
	// ExcludeErrors are returned to the caller but never counted as failures.
	ExcludeErrors []error
	// IsFailure overrides both lists.
	IsFailure func(error) bool

	// Fallback replaces the error on rejection or counted failure.
	Fallback func(ctx context.Context, err error) (interface{}, error)

	OnStateChange func(name string, from, to models.CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                     name,
		FailureThreshold:         5,
		SuccessThreshold:         3,
		Timeout:                  30 * time.Second,
		WindowSize:               20,
		ErrorThresholdPercentage: 50,
		HalfOpenMaxCalls:         1,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.WindowSize <= 0 {
		config.ErrorThresholdPercentage = 0
	}

	isFailure := config.IsFailure
	if isFailure == nil {
		isFailure = errorMatcher(config.IncludeErrors, config.ExcludeErrors)
	}

	return &CircuitBreaker{
		name:             config.Name,
		state:            models.CircuitClosed,
		window:           newOutcomeWindow(config.WindowSize),
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		errorPercentage:  config.ErrorThresholdPercentage,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        isFailure,
		fallback:         config.Fallback,
		onStateChange:    config.OnStateChange,
		lastStateChange:  time.Now(),
	}
}

func errorMatcher(include, exclude []error) func(error) bool {
	return func(err error) bool {
		for _, e := range exclude {
			if errors.Is(err, e) {
				return false
			}
		}
		if len(include) == 0 {
			return true
		}
		for _, e := range include {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its
// value. The original error is returned after bookkeeping unless a fallback
// is configured.
func (cb *CircuitBreaker) ExecuteWithResult(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	probe, err := cb.allowRequest()
	if err != nil {
		return cb.recover(ctx, err)
	}

	result, err := fn(ctx)

	counted := err != nil && cb.isFailure(err)
	cb.recordResult(err, counted, probe)

	if counted {
		return cb.recover(ctx, err)
	}
	return result, err
}

func (cb *CircuitBreaker) recover(ctx context.Context, err error) (interface{}, error) {
	if cb.fallback != nil {
		return cb.fallback(ctx, err)
	}
	return nil, err
}

// Admit reports whether a call would currently be let through, counting a
// rejection when it would not. It never changes state, so a breaker whose
// open timeout has elapsed admits the call and leaves the probe to Execute.
func (cb *CircuitBreaker) Admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.readyLocked() {
		return nil
	}
	cb.totalCalls++
	cb.rejections++
	return ErrCircuitOpen
}

// Ready reports whether a call would currently be let through
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.readyLocked()
}

func (cb *CircuitBreaker) readyLocked() bool {
	switch cb.state {
	case models.CircuitOpen:
		return time.Since(cb.lastStateChange) >= cb.timeout
	case models.CircuitHalfOpen:
		return cb.halfOpenCalls < cb.halfOpenMaxCalls
	}
	return true
}

// allowRequest checks if a request should be allowed. probe is true when
// the call occupies a half-open slot.
func (cb *CircuitBreaker) allowRequest() (probe bool, err error) {
	var change *stateChange

	cb.mu.Lock()
	cb.totalCalls++

	switch cb.state {
	case models.CircuitOpen:
		if time.Since(cb.lastStateChange) < cb.timeout {
			cb.rejections++
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		change = cb.transitionTo(models.CircuitHalfOpen)
		cb.halfOpenCalls = 1
		probe = true

	case models.CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			cb.rejections++
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.halfOpenCalls++
		probe = true
	}
	cb.mu.Unlock()

	cb.notify(change)
	return probe, nil
}

// recordResult records the result of an operation
func (cb *CircuitBreaker) recordResult(err error, counted, probe bool) {
	var change *stateChange

	cb.mu.Lock()
	if probe && cb.state == models.CircuitHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	switch {
	case err == nil:
		change = cb.recordSuccess()
	case counted:
		change = cb.recordFailure()
	default:
		cb.ignored++
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// recordFailure records a failed operation
func (cb *CircuitBreaker) recordFailure() *stateChange {
	cb.failures++
	cb.failureCount++
	cb.lastFailure = time.Now()
	cb.window.add(false)

	switch cb.state {
	case models.CircuitClosed:
		if cb.failureCount >= cb.failureThreshold || cb.windowTripped() {
			return cb.transitionTo(models.CircuitOpen)
		}

	case models.CircuitHalfOpen:
		// Any failure in half-open returns to open
		return cb.transitionTo(models.CircuitOpen)
	}
	return nil
}

// recordSuccess records a successful operation
func (cb *CircuitBreaker) recordSuccess() *stateChange {
	cb.successes++
	cb.window.add(true)

	switch cb.state {
	case models.CircuitClosed:
		// decay rather than reset: one success does not erase a failure streak
		if cb.failureCount > 0 {
			cb.failureCount--
		}

	case models.CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			return cb.transitionTo(models.CircuitClosed)
		}
	}
	return nil
}

func (cb *CircuitBreaker) windowTripped() bool {
	if cb.errorPercentage <= 0 || !cb.window.full() {
		return false
	}
	return cb.window.failureRate() >= cb.errorPercentage
}

type stateChange struct {
	from, to models.CircuitState
}

// transitionTo transitions to a new state. The caller fires the returned
// change through notify once the lock is released.
func (cb *CircuitBreaker) transitionTo(newState models.CircuitState) *stateChange {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	if oldState != newState {
		cb.stateChanges++
	}

	// Reset counters on state change
	switch newState {
	case models.CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.halfOpenCalls = 0
		cb.window.reset()
	case models.CircuitOpen:
		cb.successCount = 0
		cb.halfOpenCalls = 0
	case models.CircuitHalfOpen:
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}

	return &stateChange{from: oldState, to: newState}
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change == nil || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, change.from, change.to)
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureCount returns the current consecutive failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transitionTo(models.CircuitClosed)
	cb.mu.Unlock()

	if change.from != change.to {
		cb.notify(change)
	}
}

// ForceOpen manually opens the circuit breaker
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	change := cb.transitionTo(models.CircuitOpen)
	cb.mu.Unlock()

	if change.from != change.to {
		cb.notify(change)
	}
}

// CircuitBreakerStats is a snapshot of breaker state and counters
type CircuitBreakerStats struct {
	Name            string              `json:"name"`
	State           models.CircuitState `json:"state"`
	FailureCount    int                 `json:"failure_count"`
	SuccessCount    int                 `json:"success_count"`
	LastFailure     time.Time           `json:"last_failure"`
	LastStateChange time.Time           `json:"last_state_change"`
	TotalCalls      int64               `json:"total_calls"`
	Successes       int64               `json:"successes"`
	Failures        int64               `json:"failures"`
	Ignored         int64               `json:"ignored"`
	Rejections      int64               `json:"rejections"`
	StateChanges    int64               `json:"state_changes"`
	FailureRate     float64             `json:"failure_rate"`
	WindowFill      int                 `json:"window_fill"`
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
		TotalCalls:      cb.totalCalls,
		Successes:       cb.successes,
		Failures:        cb.failures,
		Ignored:         cb.ignored,
		Rejections:      cb.rejections,
		StateChanges:    cb.stateChanges,
		FailureRate:     cb.window.failureRate(),
		WindowFill:      cb.window.len(),
	}
}

// outcomeWindow is a fixed-size ring of call outcomes
type outcomeWindow struct {
	outcomes []bool
	next     int
	count    int
	failed   int
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size <= 0 {
		size = 1
	}
	return &outcomeWindow{outcomes: make([]bool, size)}
}

func (w *outcomeWindow) add(success bool) {
	if w.count == len(w.outcomes) {
		if !w.outcomes[w.next] {
			w.failed--
		}
	} else {
		w.count++
	}
	w.outcomes[w.next] = success
	if !success {
		w.failed++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *outcomeWindow) full() bool {
	return w.count == len(w.outcomes)
}

func (w *outcomeWindow) len() int {
	return w.count
}

func (w *outcomeWindow) failureRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failed) * 100 / float64(w.count)
}

func (w *outcomeWindow) reset() {
	w.next, w.count, w.failed = 0, 0, 0
}
