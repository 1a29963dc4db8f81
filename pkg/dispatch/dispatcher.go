// Package dispatch turns free-form requests into calls on one or more
// agents. A Classifier proposes targets and a priority, emergency keywords
// escalate to critical, and the calls fan out concurrently with a timeout
// chosen by priority. Dispatch never fails with an error: every outcome is
// a models.Result.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/metrics"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/resilience"
	"github.com/syntor/relay/pkg/router"
)

const tracerName = "github.com/syntor/relay/pkg/dispatch"

// DefaultSource is the sender id used when a request names none
const DefaultSource = "dispatcher"

// Caller issues one request/response exchange. *router.Server implements it.
type Caller interface {
	Call(ctx context.Context, req router.CallRequest) (*models.Reply, error)
}

// Timeouts maps a priority to the time a call at that priority may take
type Timeouts struct {
	Critical time.Duration `yaml:"critical" json:"critical"`
	High     time.Duration `yaml:"high" json:"high"`
	Normal   time.Duration `yaml:"normal" json:"normal"`
	Low      time.Duration `yaml:"low" json:"low"`
}

// DefaultTimeouts returns the default timeout table
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Critical: 10 * time.Second,
		High:     30 * time.Second,
		Normal:   60 * time.Second,
		Low:      120 * time.Second,
	}
}

// For returns the timeout for p. Unset entries fall back to the defaults.
func (t Timeouts) For(p models.Priority) time.Duration {
	defaults := DefaultTimeouts()
	pick := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}

	switch p {
	case models.PriorityCritical:
		return pick(t.Critical, defaults.Critical)
	case models.PriorityHigh:
		return pick(t.High, defaults.High)
	case models.PriorityLow:
		return pick(t.Low, defaults.Low)
	}
	return pick(t.Normal, defaults.Normal)
}

// Config holds dispatcher configuration
type Config struct {
	// Source is the From of every dispatched message.
	Source string `yaml:"source"`
	// DefaultTarget receives requests the classifier cannot place.
	DefaultTarget string `yaml:"default_target"`
	// EmergencyKeywords escalate any request containing one to critical.
	EmergencyKeywords []string `yaml:"emergency_keywords"`
	Timeouts          Timeouts `yaml:"timeouts"`
	// Retry applies to attempts that fail with a retryable kind.
	Retry resilience.RetryConfig `yaml:"-"`
	// RateLimit is requests per second admitted; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Source:            DefaultSource,
		EmergencyKeywords: []string{"urgent", "emergency", "critical", "outage"},
		Timeouts:          DefaultTimeouts(),
		Retry:             resilience.DefaultRetryConfig(),
	}
}

// Request is one unit of work handed to Dispatch
type Request struct {
	Input   string                 `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
	// Payload is sent to targets; the input is sent when nil.
	Payload interface{} `json:"payload,omitempty"`
	From    string      `json:"from,omitempty"`
}

// Stats holds dispatcher counters. They are for observation only.
type Stats struct {
	Routed          int64                     `json:"routed"`
	Successes       int64                     `json:"successes"`
	Failures        int64                     `json:"failures"`
	Retries         int64                     `json:"retries"`
	RateLimited     int64                     `json:"rate_limited"`
	ClassifierFails int64                     `json:"classifier_failures"`
	AgentCalls      map[string]int64          `json:"agent_calls"`
	ByPriority      map[models.Priority]int64 `json:"by_priority"`
}

// Option configures optional dispatcher collaborators
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher routes requests to agents through a Caller
type Dispatcher struct {
	caller     Caller
	classifier Classifier
	retryer    *resilience.Retryer
	limiter    *rate.Limiter
	logger     logging.Logger
	metrics    metrics.Collector
	tracer     trace.Tracer

	source        string
	timeouts      Timeouts
	defaultTarget string
	emergency     []string
	routingMu     sync.RWMutex

	stats   Stats
	statsMu sync.Mutex
}

// New creates a dispatcher. A nil classifier places every request on the
// default target.
func New(caller Caller, classifier Classifier, config Config, opts ...Option) *Dispatcher {
	if config.Source == "" {
		config.Source = DefaultSource
	}
	retry := config.Retry
	if retry.ShouldRetry == nil && len(retry.RetryableErrors) == 0 {
		retry.ShouldRetry = models.IsRetryable
	}

	d := &Dispatcher{
		caller:        caller,
		classifier:    classifier,
		retryer:       resilience.NewRetryer(retry),
		logger:        logging.NewNop(),
		metrics:       metrics.NopCollector{},
		tracer:        otel.Tracer(tracerName),
		source:        config.Source,
		timeouts:      config.Timeouts,
		defaultTarget: config.DefaultTarget,
		emergency:     lowerAll(config.EmergencyKeywords),
		stats: Stats{
			AgentCalls: make(map[string]int64),
			ByPriority: make(map[models.Priority]int64),
		},
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = int(config.RateLimit) + 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UpdateRouting swaps the default target and emergency keywords
func (d *Dispatcher) UpdateRouting(defaultTarget string, emergencyKeywords []string) {
	d.routingMu.Lock()
	d.defaultTarget = defaultTarget
	d.emergency = lowerAll(emergencyKeywords)
	d.routingMu.Unlock()
}

// DetermineTargets resolves the intent into a target list and priority.
// Intent targets win over the default target; an emergency keyword in the
// input forces critical priority whatever the intent says.
func (d *Dispatcher) DetermineTargets(input string, intent Intent) ([]string, models.Priority) {
	d.routingMu.RLock()
	defaultTarget := d.defaultTarget
	emergency := d.emergency
	d.routingMu.RUnlock()

	targets := appendUnique(nil, intent.TargetIDs...)
	if len(targets) == 0 && defaultTarget != "" {
		targets = []string{defaultTarget}
	}

	priority := models.PriorityNormal
	if intent.Priority.Valid() {
		priority = intent.Priority
	}
	if containsAny(strings.ToLower(input), emergency) {
		priority = models.PriorityCritical
	}
	return targets, priority
}

// Dispatch classifies req, calls every target and combines the outcomes
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) models.Result {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "relay.dispatch")
	defer span.End()

	if d.limiter != nil && !d.limiter.Allow() {
		d.count(func(s *Stats) { s.RateLimited++ })
		result := models.Failure(models.KindRateLimited, "dispatch rate limit exceeded", models.PriorityNormal, nil, nil)
		return d.complete(ctx, span, result, start)
	}

	intent := d.classify(ctx, req)
	targets, priority := d.DetermineTargets(req.Input, intent)
	span.SetAttributes(
		attribute.String("relay.priority", priority.String()),
		attribute.StringSlice("relay.targets", targets),
		attribute.Float64("relay.confidence", intent.Confidence),
	)

	d.count(func(s *Stats) {
		s.Routed++
		s.ByPriority[priority]++
	})
	d.metrics.IncrementCounter(metrics.DispatchPriority.Name, metrics.Labels("priority", priority.String()))

	if len(targets) == 0 {
		result := models.Failure(models.KindUnregisteredTarget, "no target agent for request", priority, nil, nil)
		return d.complete(ctx, span, result, start)
	}

	timeout := d.timeouts.For(priority)
	responses := d.fanOut(ctx, req, targets, priority, timeout)
	return d.complete(ctx, span, combine(targets, priority, responses), start)
}

func (d *Dispatcher) classify(ctx context.Context, req Request) (intent Intent) {
	if d.classifier == nil {
		return Intent{}
	}

	defer func() {
		if r := recover(); r != nil {
			d.classifierFailed(ctx, fmt.Errorf("classifier panic: %v", r))
			intent = Intent{}
		}
	}()

	intent, err := d.classifier.Classify(ctx, req.Input, req.Context)
	if err != nil {
		d.classifierFailed(ctx, err)
		return Intent{}
	}
	return intent
}

func (d *Dispatcher) classifierFailed(ctx context.Context, err error) {
	d.count(func(s *Stats) { s.ClassifierFails++ })
	d.logger.WithContext(ctx).Warn("Classification failed, using default routing", logging.Err(err))
}

// fanOut calls every target concurrently. Each call has its own deadline
// and no failure cancels the others.
func (d *Dispatcher) fanOut(ctx context.Context, req Request, targets []string, priority models.Priority, timeout time.Duration) []models.TargetResult {
	results := make([]models.TargetResult, len(targets))
	if len(targets) == 1 {
		results[0] = d.callTarget(ctx, req, targets[0], priority, timeout)
		return results
	}

	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = d.callTarget(ctx, req, target, priority, timeout)
			return nil
		})
	}
	// failures are recorded per target in results, never returned
	g.Wait()
	return results
}

func (d *Dispatcher) callTarget(ctx context.Context, req Request, target string, priority models.Priority, timeout time.Duration) models.TargetResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	from := req.From
	if from == "" {
		from = d.source
	}
	payload := req.Payload
	if payload == nil {
		payload = req.Input
	}

	var reply *models.Reply
	res := d.retryer.ExecuteWithCallback(ctx, func(ctx context.Context) error {
		r, err := d.caller.Call(ctx, router.CallRequest{
			From:     from,
			To:       target,
			Payload:  payload,
			Priority: priority,
			Timeout:  timeout,
		})
		reply = r
		return err
	}, func(attempt int, err error, delay time.Duration) {
		d.count(func(s *Stats) { s.Retries++ })
		d.metrics.IncrementCounter(metrics.DispatchRetries.Name, metrics.Labels("agent_id", target))
		d.logger.WithContext(ctx).Debug("Retrying call",
			logging.AgentID(target),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Err(err))
	})

	result := models.TargetResult{
		AgentID:  target,
		Attempts: res.Attempts,
		Duration: time.Since(start),
	}
	if res.Success && reply != nil {
		result.Status = models.ResultSuccess
		result.Output = FormatBody(reply.Body)
	} else {
		err := res.LastError
		if err == nil || errors.Is(err, resilience.ErrContextCanceled) {
			kind := models.KindTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = models.KindCanceled
			}
			err = models.NewCallError(kind, target, ctx.Err())
		}
		result.Status = models.ResultFailure
		result.Kind = models.KindOf(err)
		result.Error = err.Error()
	}

	d.count(func(s *Stats) { s.AgentCalls[target]++ })
	d.metrics.IncrementCounter(metrics.DispatchAgentCalls.Name, metrics.Labels("agent_id", target, "status", string(result.Status)))
	return result
}

// combine folds per-target outcomes into one result. Successful outputs are
// joined in target order; a lone target's failure keeps its own kind.
func combine(targets []string, priority models.Priority, responses []models.TargetResult) models.Result {
	byAgent := make(map[string]models.TargetResult, len(responses))
	var outputs, failed, reasons []string

	for _, r := range responses {
		byAgent[r.AgentID] = r
		if r.Succeeded() {
			if len(responses) == 1 {
				outputs = append(outputs, r.Output)
			} else {
				outputs = append(outputs, fmt.Sprintf("[%s] %s", r.AgentID, r.Output))
			}
			continue
		}
		failed = append(failed, r.AgentID)
		reasons = append(reasons, fmt.Sprintf("%s: %s", r.AgentID, r.Error))
	}

	var result models.Result
	switch {
	case len(failed) == 0 || len(outputs) > 0:
		result = models.Success(strings.Join(outputs, "\n\n"), priority, targets)
		result.FailedTargets = failed
	case len(responses) == 1:
		only := responses[0]
		result = models.Failure(only.Kind, only.Error, priority, targets, failed)
	default:
		msg := fmt.Sprintf("all %d targets failed: %s", len(failed), strings.Join(reasons, "; "))
		result = models.Failure(models.KindAggregateFailure, msg, priority, targets, failed)
	}
	result.AgentResponses = byAgent
	return result
}

func (d *Dispatcher) complete(ctx context.Context, span trace.Span, result models.Result, start time.Time) models.Result {
	result.Duration = time.Since(start)

	status := string(result.Status)
	d.metrics.IncrementCounter(metrics.DispatchTotal.Name, metrics.Labels("status", status, "kind", string(result.Kind)))
	d.metrics.ObserveDuration(metrics.DispatchDuration.Name, start, metrics.Labels("status", status))

	logger := d.logger.WithContext(ctx)
	if result.OK() {
		d.count(func(s *Stats) { s.Successes++ })
		logger.Debug("Dispatch completed",
			logging.Priority(result.Priority),
			logging.Int("targets", len(result.Targets)),
			logging.Int("failed", len(result.FailedTargets)),
			logging.Duration("duration", result.Duration))
		return result
	}

	d.count(func(s *Stats) { s.Failures++ })
	span.SetStatus(codes.Error, string(result.Kind))
	logger.Warn("Dispatch failed",
		logging.String("kind", string(result.Kind)),
		logging.String("message", result.Message),
		logging.Priority(result.Priority),
		logging.Duration("duration", result.Duration))
	return result
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}

// Stats returns a copy of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	out := d.stats
	out.AgentCalls = make(map[string]int64, len(d.stats.AgentCalls))
	for k, v := range d.stats.AgentCalls {
		out.AgentCalls[k] = v
	}
	out.ByPriority = make(map[models.Priority]int64, len(d.stats.ByPriority))
	for k, v := range d.stats.ByPriority {
		out.ByPriority[k] = v
	}
	return out
}

// FormatBody renders a handler reply as text
func FormatBody(body interface{}) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}
	return string(data)
}
