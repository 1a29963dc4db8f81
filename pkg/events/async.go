package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/metrics"
)

// AsyncPublisher buffers events in front of a Sink and publishes them from a
// single goroutine. Emit never blocks: when the buffer is full the event is
// dropped and counted.
type AsyncPublisher struct {
	sink           Sink
	name           string
	buffer         chan Event
	publishTimeout time.Duration
	logger         logging.Logger
	metrics        metrics.Collector

	dropped   int64
	published int64
	failed    int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// AsyncConfig configures an AsyncPublisher
type AsyncConfig struct {
	Name           string // label for metrics and logs
	BufferSize     int
	PublishTimeout time.Duration
	Logger         logging.Logger
	Metrics        metrics.Collector
}

// NewAsyncPublisher starts the publishing goroutine
func NewAsyncPublisher(sink Sink, config AsyncConfig) *AsyncPublisher {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NopCollector{}
	}

	p := &AsyncPublisher{
		sink:           sink,
		name:           config.Name,
		buffer:         make(chan Event, config.BufferSize),
		publishTimeout: config.PublishTimeout,
		logger:         config.Logger.With(logging.String("sink", config.Name)),
		metrics:        config.Metrics,
		done:           make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit queues an event for publishing
func (p *AsyncPublisher) Emit(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		atomic.AddInt64(&p.dropped, 1)
		return
	}

	select {
	case p.buffer <- event:
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.IncrementCounter(metrics.EventsDropped.Name, metrics.Labels("sink", p.name))
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)

	for event := range p.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		err := p.sink.Publish(ctx, event)
		cancel()

		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("Failed to publish event",
				logging.String("event_type", string(event.Type)),
				logging.AgentID(event.AgentID),
				logging.Err(err))
			continue
		}
		atomic.AddInt64(&p.published, 1)
	}
}

// Close stops accepting events, drains the buffer (bounded by ctx) and
// closes the sink
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.buffer)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.sink.Close()
}

// PublisherStats reports publishing counters
type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// Stats returns the publishing counters
func (p *AsyncPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadInt64(&p.published),
		Failed:    atomic.LoadInt64(&p.failed),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Pending:   len(p.buffer),
	}
}
