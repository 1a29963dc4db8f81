// Package agents provides the built-in handlers relay serve can register
// from configuration. They are small on purpose: enough to drive every
// routing, breaker and timeout path end to end without external services.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/syntor/relay/pkg/config"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/router"
)

// Registrar is the part of *router.Server used to register agents
type Registrar interface {
	Register(id string, handler router.Handler) error
}

type factory func(cfg config.AgentConfig) (router.Handler, error)

var kinds = map[string]factory{
	"echo":    func(config.AgentConfig) (router.Handler, error) { return Echo, nil },
	"upper":   func(config.AgentConfig) (router.Handler, error) { return Upper, nil },
	"reverse": func(config.AgentConfig) (router.Handler, error) { return Reverse, nil },
	"json":    func(config.AgentConfig) (router.Handler, error) { return JSON, nil },
	"slow": func(cfg config.AgentConfig) (router.Handler, error) {
		delay := cfg.Delay
		if delay <= 0 {
			delay = time.Second
		}
		return Slow(delay, Echo), nil
	},
	"flaky": func(cfg config.AgentConfig) (router.Handler, error) {
		if cfg.FailEvery <= 0 {
			return nil, fmt.Errorf("agent %s: flaky agents need fail_every > 0", cfg.ID)
		}
		return Flaky(cfg.FailEvery, Echo), nil
	},
}

// Kinds returns the names of the built-in agent kinds
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the handler described by cfg
func New(cfg config.AgentConfig) (router.Handler, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "echo"
	}
	build, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown kind %q (known: %s)", cfg.ID, cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return build(cfg)
}

// RegisterAll builds and registers every configured agent, stopping at the
// first failure
func RegisterAll(r Registrar, cfgs []config.AgentConfig) error {
	for _, cfg := range cfgs {
		handler, err := New(cfg)
		if err != nil {
			return err
		}
		if err := r.Register(cfg.ID, handler); err != nil {
			return err
		}
	}
	return nil
}

// Echo replies with the payload unchanged
func Echo(_ context.Context, msg models.Message) (interface{}, error) {
	return msg.Payload, nil
}

// Upper replies with the payload text in upper case
func Upper(_ context.Context, msg models.Message) (interface{}, error) {
	text, err := payloadText(msg)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(text), nil
}

// Reverse replies with the payload text reversed by rune
func Reverse(_ context.Context, msg models.Message) (interface{}, error) {
	text, err := payloadText(msg)
	if err != nil {
		return nil, err
	}
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

// JSON replies with the message itself as a JSON document
func JSON(_ context.Context, msg models.Message) (interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json stringify failed: %w", err)
	}
	return string(data), nil
}

// Slow waits for delay before calling next, giving up when ctx ends
func Slow(delay time.Duration, next router.Handler) router.Handler {
	return func(ctx context.Context, msg models.Message) (interface{}, error) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		return next(ctx, msg)
	}
}

// Flaky fails every n-th call and passes the rest to next
func Flaky(n int, next router.Handler) router.Handler {
	var calls int64
	return func(ctx context.Context, msg models.Message) (interface{}, error) {
		count := atomic.AddInt64(&calls, 1)
		if count%int64(n) == 0 {
			return nil, fmt.Errorf("flaky failure on call %d", count)
		}
		return next(ctx, msg)
	}
}

func payloadText(msg models.Message) (string, error) {
	switch v := msg.Payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("payload of type %T is not text", msg.Payload)
}
