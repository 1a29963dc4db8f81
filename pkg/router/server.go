// Package router owns the registered agents. Each agent gets a priority
// queue, a circuit breaker and one consumer goroutine that feeds queued
// messages to its handler. Send enqueues; Call enqueues and waits for the
// correlated reply.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/syntor/relay/pkg/events"
	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/metrics"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/queue"
	"github.com/syntor/relay/pkg/resilience"
)

const tracerName = "github.com/syntor/relay/pkg/router"

// Handler processes one message for an agent. It runs on the agent's single
// consumer goroutine and must honour ctx cancellation.
type Handler func(ctx context.Context, msg models.Message) (interface{}, error)

// Config holds server configuration
type Config struct {
	// QueueSize bounds each priority lane of every agent queue.
	QueueSize int `yaml:"queue_size"`
	// PollInterval is how long a consumer waits on an empty queue before
	// re-checking for cancellation.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DefaultCallTimeout applies to calls that do not set one.
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout"`
	// AbandonedCallCache remembers this many timed-out calls so their late
	// replies can be recognised and counted.
	AbandonedCallCache int `yaml:"abandoned_call_cache"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:          queue.DefaultMaxSize,
		PollInterval:       time.Second,
		DefaultCallTimeout: 60 * time.Second,
		AbandonedCallCache: 4096,
	}
}

// Option configures optional server collaborators
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithEvents sets the event emitter
func WithEvents(e events.Emitter) Option {
	return func(s *Server) { s.events = e }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// Server routes messages to registered agents
type Server struct {
	config   Config
	breakers *resilience.Registry
	logger   logging.Logger
	metrics  metrics.Collector
	events   events.Emitter
	tracer   trace.Tracer

	agents map[string]*agent
	mu     sync.RWMutex

	pending   map[string]chan outcome
	pendingMu sync.Mutex
	abandoned *lru.Cache[string, string]

	sent          int64
	sendFailures  int64
	calls         int64
	replies       int64
	timeouts      int64
	lateResponses int64
	handlerErrors int64
}

// agent is the per-registration state
type agent struct {
	id           string
	handler      Handler
	queue        *queue.PriorityQueue
	breaker      *resilience.CircuitBreaker
	registeredAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// closed is set under mu before the queue is drained so that no Put
	// can land on a queue nobody consumes
	closed bool
	mu     sync.RWMutex

	processed int64
	succeeded int64
	failed    int64
}

type outcome struct {
	reply *models.Reply
	err   error
}

// NewServer creates a server whose agents take their breakers from breakers
func NewServer(config Config, breakers *resilience.Registry, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DefaultCallTimeout <= 0 {
		config.DefaultCallTimeout = defaults.DefaultCallTimeout
	}
	if config.AbandonedCallCache <= 0 {
		config.AbandonedCallCache = defaults.AbandonedCallCache
	}

	// only fails for a non-positive size
	abandoned, _ := lru.New[string, string](config.AbandonedCallCache)

	s := &Server{
		config:    config,
		breakers:  breakers,
		logger:    logging.NewNop(),
		metrics:   metrics.NopCollector{},
		events:    events.NopEmitter{},
		tracer:    otel.Tracer(tracerName),
		agents:    make(map[string]*agent),
		pending:   make(map[string]chan outcome),
		abandoned: abandoned,
	}
	for _, opt := range opts {
		opt(s)
	}

	breakers.OnStateChange(s.observeBreaker)
	return s
}

// Register adds an agent and starts its consumer goroutine
func (s *Server) Register(id string, handler Handler) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	if handler == nil {
		return fmt.Errorf("agent %s: handler is required", id)
	}

	s.mu.Lock()
	if _, exists := s.agents[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrAgentExists, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &agent{
		id:           id,
		handler:      handler,
		queue:        queue.New(s.config.QueueSize),
		breaker:      s.breakers.Create(id),
		registeredAt: time.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.agents[id] = a
	count := len(s.agents)
	s.mu.Unlock()

	go s.consume(ctx, a)

	s.metrics.SetGauge(metrics.RegisteredAgents.Name, float64(count), nil)
	s.metrics.SetGauge(metrics.BreakerState.Name, breakerGauge(a.breaker.State()), metrics.Labels("agent_id", id))
	s.events.Emit(events.New(events.AgentRegistered, id))
	s.logger.Info("Agent registered", logging.AgentID(id), logging.Int("queue_size", s.config.QueueSize))
	return nil
}

// Unregister stops the agent's consumer, waits for it to exit (bounded by
// ctx), then fails every call still queued for it and drops its breaker.
func (s *Server) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.agents[id]
	if ok {
		// the id is free for re-registration once the lock drops, so the
		// breaker has to go with it
		delete(s.agents, id)
		s.breakers.Remove(id)
	}
	count := len(s.agents)
	s.mu.Unlock()

	if !ok {
		return models.NewCallError(models.KindUnregisteredTarget, id, nil)
	}

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()

	var waitErr error
	select {
	case <-a.done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("agent %s: consumer did not stop: %w", id, ctx.Err())
	}

	drained := a.queue.Drain()
	for _, msg := range drained {
		err := &models.CallError{Kind: models.KindUnregisteredTarget, AgentID: id, MessageID: msg.ID}
		s.resolve(msg.ID, id, outcome{err: err})
	}

	s.metrics.SetGauge(metrics.RegisteredAgents.Name, float64(count), nil)
	s.metrics.SetGauge(metrics.QueueDepth.Name, 0, metrics.Labels("agent_id", id))
	event := events.New(events.AgentUnregistered, id)
	event.Detail = fmt.Sprintf("%d queued messages discarded", len(drained))
	s.events.Emit(event)
	s.logger.Info("Agent unregistered", logging.AgentID(id), logging.Int("discarded", len(drained)))

	return waitErr
}

// Close unregisters every agent
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for _, id := range s.Agents() {
		if err := s.Unregister(ctx, id); err != nil && models.KindOf(err) != models.KindUnregisteredTarget {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Agents returns the registered agent ids in sorted order
func (s *Server) Agents() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// IsRegistered reports whether id has a live registration
func (s *Server) IsRegistered(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

func (s *Server) lookup(id string) (*agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Send enqueues msg on its target's queue. Unknown targets, open breakers
// and full lanes are reported synchronously as *models.CallError.
func (s *Server) Send(ctx context.Context, msg models.Message) error {
	msg.Priority = msg.Priority.OrDefault(models.PriorityNormal)
	msg = msg.Stamp()

	err := s.enqueue(msg)
	if err != nil {
		atomic.AddInt64(&s.sendFailures, 1)
		s.logger.WithContext(ctx).Debug("Send rejected",
			logging.AgentID(msg.To),
			logging.MessageID(msg.ID),
			logging.Priority(msg.Priority),
			logging.Err(err))
		return err
	}
	atomic.AddInt64(&s.sent, 1)
	return nil
}

func (s *Server) enqueue(msg models.Message) error {
	a, ok := s.lookup(msg.To)
	if !ok {
		return &models.CallError{Kind: models.KindUnregisteredTarget, AgentID: msg.To, MessageID: msg.ID}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return &models.CallError{Kind: models.KindUnregisteredTarget, AgentID: msg.To, MessageID: msg.ID}
	}
	if err := a.breaker.Admit(); err != nil {
		return &models.CallError{Kind: models.KindCircuitOpen, AgentID: msg.To, MessageID: msg.ID}
	}

	labels := metrics.Labels("agent_id", a.id, "priority", msg.Priority.String())
	if !a.queue.Put(msg) {
		s.metrics.IncrementCounter(metrics.MessagesDropped.Name, labels)
		event := events.New(events.MessageDropped, a.id)
		event.MessageID = msg.ID
		event.From = msg.From
		event.Priority = msg.Priority
		s.events.Emit(event)
		return &models.CallError{Kind: models.KindQueueFull, AgentID: msg.To, MessageID: msg.ID}
	}

	s.metrics.IncrementCounter(metrics.MessagesEnqueued.Name, labels)
	s.metrics.SetGauge(metrics.QueueDepth.Name, float64(a.queue.Len()), metrics.Labels("agent_id", a.id))
	return nil
}

// consume is the agent's consumer loop. It exits once ctx is canceled; a
// handler already running is allowed to finish.
func (s *Server) consume(ctx context.Context, a *agent) {
	defer close(a.done)

	logger := s.logger.With(logging.AgentID(a.id))
	logger.Debug("Consumer started")

	for ctx.Err() == nil {
		msg, ok := a.queue.Get(ctx, s.config.PollInterval)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			err := &models.CallError{Kind: models.KindUnregisteredTarget, AgentID: a.id, MessageID: msg.ID}
			s.resolve(msg.ID, a.id, outcome{err: err})
			break
		}
		s.metrics.SetGauge(metrics.QueueDepth.Name, float64(a.queue.Len()), metrics.Labels("agent_id", a.id))
		s.process(ctx, a, msg, logger)
	}

	logger.Debug("Consumer stopped")
}

func (s *Server) process(ctx context.Context, a *agent, msg models.Message, logger logging.Logger) {
	if msg.IsExpired() {
		err := &models.CallError{Kind: models.KindTimeout, AgentID: a.id, MessageID: msg.ID,
			Err: errors.New("message expired before processing")}
		s.resolve(msg.ID, a.id, outcome{err: err})
		return
	}

	ctx = logging.WithAgentID(logging.WithMessageID(ctx, msg.ID), a.id)
	ctx, span := s.tracer.Start(ctx, "relay.handle", trace.WithAttributes(messageAttributes(msg)...))
	defer span.End()

	start := time.Now()
	body, err := a.breaker.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return invoke(ctx, a, msg)
	})
	elapsed := time.Since(start)

	atomic.AddInt64(&a.processed, 1)
	s.metrics.ObserveHistogram(metrics.HandlerDuration.Name, elapsed.Seconds(), metrics.Labels("agent_id", a.id))

	if err != nil {
		kind := models.KindOf(err)
		atomic.AddInt64(&a.failed, 1)
		if kind == models.KindHandlerError {
			atomic.AddInt64(&s.handlerErrors, 1)
		}
		recordSpanError(span, err)
		s.metrics.IncrementCounter(metrics.HandlerCalls.Name, metrics.Labels("agent_id", a.id, "outcome", string(kind)))
		logger.WithContext(ctx).Warn("Message processing failed",
			logging.String("kind", string(kind)),
			logging.Duration("duration", elapsed),
			logging.Err(err))

		event := events.New(events.HandlerFailed, a.id)
		event.MessageID = msg.ID
		event.From = msg.From
		event.Priority = msg.Priority
		event.Detail = err.Error()
		s.events.Emit(event)

		var ce *models.CallError
		if !errors.As(err, &ce) {
			ce = &models.CallError{Kind: kind, AgentID: a.id, Err: err}
		}
		ce.MessageID = msg.ID
		s.resolve(msg.ID, a.id, outcome{err: ce})
		return
	}

	atomic.AddInt64(&a.succeeded, 1)
	s.metrics.IncrementCounter(metrics.HandlerCalls.Name, metrics.Labels("agent_id", a.id, "outcome", "success"))
	s.resolve(msg.ID, a.id, outcome{reply: &models.Reply{
		MessageID: msg.ID,
		AgentID:   a.id,
		Body:      body,
		Duration:  elapsed,
	}})
}

// invoke runs the handler, turning a panic into a handler error
func invoke(ctx context.Context, a *agent, msg models.Message) (body interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.CallError{Kind: models.KindHandlerError, AgentID: a.id, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	body, err = a.handler(ctx, msg)
	if err != nil {
		return nil, &models.CallError{Kind: models.KindHandlerError, AgentID: a.id, Err: err}
	}
	return body, nil
}

func breakerGauge(state models.CircuitState) float64 {
	switch state {
	case models.CircuitHalfOpen:
		return 1
	case models.CircuitOpen:
		return 2
	}
	return 0
}

func (s *Server) observeBreaker(name string, from, to models.CircuitState) {
	s.metrics.SetGauge(metrics.BreakerState.Name, breakerGauge(to), metrics.Labels("agent_id", name))
	s.metrics.IncrementCounter(metrics.BreakerTransitions.Name, metrics.Labels("agent_id", name, "to", string(to)))

	event := events.New(events.BreakerStateChanged, name)
	event.FromState = from
	event.ToState = to
	s.events.Emit(event)

	s.logger.Warn("Circuit breaker state changed",
		logging.AgentID(name),
		logging.String("from", string(from)),
		logging.String("to", string(to)))
}
