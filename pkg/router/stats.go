package router

import (
	"sync/atomic"
	"time"

	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/queue"
	"github.com/syntor/relay/pkg/resilience"
)

// ServerStats is a snapshot of server-wide counters
type ServerStats struct {
	Agents        int   `json:"agents"`
	OpenBreakers  int   `json:"open_breakers"`
	PendingCalls  int   `json:"pending_calls"`
	Sent          int64 `json:"sent"`
	SendFailures  int64 `json:"send_failures"`
	Calls         int64 `json:"calls"`
	Replies       int64 `json:"replies"`
	Timeouts      int64 `json:"timeouts"`
	LateResponses int64 `json:"late_responses"`
	HandlerErrors int64 `json:"handler_errors"`
}

// AgentStats is a snapshot of one agent's queue, breaker and counters
type AgentStats struct {
	AgentID      string                         `json:"agent_id"`
	Health       models.HealthStatus            `json:"health"`
	RegisteredAt time.Time                      `json:"registered_at"`
	Processed    int64                          `json:"processed"`
	Succeeded    int64                          `json:"succeeded"`
	Failed       int64                          `json:"failed"`
	Queue        queue.Stats                    `json:"queue"`
	Breaker      resilience.CircuitBreakerStats `json:"breaker"`
}

// Stats returns server-wide counters
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	agents := len(s.agents)
	s.mu.RUnlock()

	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	return ServerStats{
		Agents:        agents,
		OpenBreakers:  s.breakers.OpenCount(),
		PendingCalls:  pending,
		Sent:          atomic.LoadInt64(&s.sent),
		SendFailures:  atomic.LoadInt64(&s.sendFailures),
		Calls:         atomic.LoadInt64(&s.calls),
		Replies:       atomic.LoadInt64(&s.replies),
		Timeouts:      atomic.LoadInt64(&s.timeouts),
		LateResponses: atomic.LoadInt64(&s.lateResponses),
		HandlerErrors: atomic.LoadInt64(&s.handlerErrors),
	}
}

// AgentStats returns the stats of one agent
func (s *Server) AgentStats(id string) (AgentStats, bool) {
	a, ok := s.lookup(id)
	if !ok {
		return AgentStats{}, false
	}
	return a.stats(), true
}

// AllAgentStats returns the stats of every agent sorted by id
func (s *Server) AllAgentStats() []AgentStats {
	ids := s.Agents()
	out := make([]AgentStats, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.AgentStats(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// QueueStats returns the queue depth and high-watermark of one agent
func (s *Server) QueueStats(id string) (queue.Stats, bool) {
	a, ok := s.lookup(id)
	if !ok {
		return queue.Stats{}, false
	}
	return a.queue.Stats(), true
}

// BreakerStats returns the breaker state and counters of one agent
func (s *Server) BreakerStats(id string) (resilience.CircuitBreakerStats, bool) {
	a, ok := s.lookup(id)
	if !ok {
		return resilience.CircuitBreakerStats{}, false
	}
	return a.breaker.Stats(), true
}

// ResetBreaker closes the breaker of one agent
func (s *Server) ResetBreaker(id string) bool {
	if !s.IsRegistered(id) {
		return false
	}
	return s.breakers.Reset(id)
}

// ResetAllBreakers closes every breaker
func (s *Server) ResetAllBreakers() {
	s.breakers.ResetAll()
}

func (a *agent) stats() AgentStats {
	breaker := a.breaker.Stats()
	return AgentStats{
		AgentID:      a.id,
		Health:       models.HealthFor(breaker.State),
		RegisteredAt: a.registeredAt,
		Processed:    atomic.LoadInt64(&a.processed),
		Succeeded:    atomic.LoadInt64(&a.succeeded),
		Failed:       atomic.LoadInt64(&a.failed),
		Queue:        a.queue.Stats(),
		Breaker:      breaker,
	}
}
