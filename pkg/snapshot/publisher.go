package snapshot

import (
	"context"
	"time"

	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/router"
)

// StatsSource supplies the stats to publish. *router.Server implements it.
type StatsSource interface {
	AllAgentStats() []router.AgentStats
}

// Publisher periodically writes a source's stats to a Store
type Publisher struct {
	store    *Store
	source   StatsSource
	instance string
	interval time.Duration
	logger   logging.Logger

	// agents written by the previous publish, so that unregistered agents
	// are removed instead of lingering until their TTL
	published map[string]bool
}

// NewPublisher creates a publisher for source identified as instance
func NewPublisher(store *Store, source StatsSource, instance string, interval time.Duration, logger logging.Logger) *Publisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		store:     store,
		source:    source,
		instance:  instance,
		interval:  interval,
		logger:    logger.With(logging.String("instance", instance)),
		published: make(map[string]bool),
	}
}

// PublishOnce writes the current stats and removes agents that are gone
func (p *Publisher) PublishOnce(ctx context.Context) error {
	stats := p.source.AllAgentStats()

	current := make(map[string]bool, len(stats))
	for _, st := range stats {
		current[st.AgentID] = true
	}
	var gone []string
	for id := range p.published {
		if !current[id] {
			gone = append(gone, id)
		}
	}

	if err := p.store.Write(ctx, p.instance, stats); err != nil {
		return err
	}
	if err := p.store.Remove(ctx, gone...); err != nil {
		return err
	}

	p.published = current
	p.logger.Debug("Published snapshots", logging.Int("agents", len(stats)), logging.Int("removed", len(gone)))
	return nil
}

// Run publishes every interval until ctx is canceled. Failures are logged
// and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Snapshot publish failed", logging.Err(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
