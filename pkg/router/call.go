package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/syntor/relay/pkg/events"
	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/metrics"
	"github.com/syntor/relay/pkg/models"
)

// CallRequest describes one request/response exchange
type CallRequest struct {
	From     string
	To       string
	Payload  interface{}
	Priority models.Priority
	// Timeout bounds the wait for the reply; zero uses the server default.
	Timeout time.Duration
}

// Call sends a request to one agent and waits for its reply. A reply is
// delivered at most once: when the wait ends first, the correlation entry is
// discarded and a later completion is dropped and counted.
//
// Failures are *models.CallError values: unregistered target, open circuit
// and full queue are returned before anything is queued; handler errors and
// timeouts are returned after.
func (s *Server) Call(ctx context.Context, req CallRequest) (*models.Reply, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultCallTimeout
	}
	priority := req.Priority.OrDefault(models.PriorityNormal)
	msg := models.NewMessage(req.From, req.To, priority, req.Payload)
	msg.CorrelationID = msg.ID

	ctx, span := s.tracer.Start(ctx, "relay.call", trace.WithAttributes(messageAttributes(msg)...))
	defer span.End()

	atomic.AddInt64(&s.calls, 1)

	ch := make(chan outcome, 1)
	s.pendingMu.Lock()
	s.pending[msg.ID] = ch
	s.pendingMu.Unlock()

	if err := s.Send(ctx, msg); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
		recordSpanError(span, err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case out := <-ch:
		return s.finish(span, out)
	case <-timer.C:
		waitErr = &models.CallError{Kind: models.KindTimeout, AgentID: req.To, MessageID: msg.ID}
	case <-ctx.Done():
		kind := models.KindCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = models.KindTimeout
		}
		waitErr = &models.CallError{Kind: kind, AgentID: req.To, MessageID: msg.ID, Err: ctx.Err()}
	}

	if !s.abandon(msg.ID, req.To) {
		// resolved while we were giving up; the reply is already buffered
		return s.finish(span, <-ch)
	}

	atomic.AddInt64(&s.timeouts, 1)
	s.metrics.IncrementCounter(metrics.CallTimeouts.Name, metrics.Labels("agent_id", req.To))
	event := events.New(events.CallTimedOut, req.To)
	event.MessageID = msg.ID
	event.From = req.From
	event.Priority = priority
	event.Detail = timeout.String()
	s.events.Emit(event)
	s.logger.WithContext(ctx).Warn("Call abandoned",
		logging.AgentID(req.To),
		logging.MessageID(msg.ID),
		logging.Duration("timeout", timeout),
		logging.Err(waitErr))

	recordSpanError(span, waitErr)
	return nil, waitErr
}

func (s *Server) finish(span trace.Span, out outcome) (*models.Reply, error) {
	if out.err != nil {
		recordSpanError(span, out.err)
		return nil, out.err
	}
	atomic.AddInt64(&s.replies, 1)
	return out.reply, nil
}

// abandon removes the correlation entry. It reports false when the entry was
// already taken by resolve.
func (s *Server) abandon(messageID, agentID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pending[messageID]; !ok {
		return false
	}
	delete(s.pending, messageID)
	s.abandoned.Add(messageID, agentID)
	return true
}

// resolve hands the outcome to the waiting caller, if any. Outcomes for
// abandoned calls are counted as late responses and dropped.
func (s *Server) resolve(messageID, agentID string, out outcome) {
	s.pendingMu.Lock()
	ch, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- out
		return
	}

	if s.abandoned.Remove(messageID) {
		atomic.AddInt64(&s.lateResponses, 1)
		s.metrics.IncrementCounter(metrics.LateResponses.Name, metrics.Labels("agent_id", agentID))
		event := events.New(events.LateResponse, agentID)
		event.MessageID = messageID
		s.events.Emit(event)
		s.logger.Debug("Discarded late response", logging.AgentID(agentID), logging.MessageID(messageID))
	}
}

func messageAttributes(msg models.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("relay.message_id", msg.ID),
		attribute.String("relay.from", msg.From),
		attribute.String("relay.to", msg.To),
		attribute.String("relay.priority", msg.Priority.String()),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(models.KindOf(err)))
}
