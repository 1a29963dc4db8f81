package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/relay/pkg/config"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/resilience"
	"github.com/syntor/relay/pkg/router"
)

func message(payload interface{}) models.Message {
	return models.NewMessage("test", "agent", models.PriorityNormal, payload)
}

func TestTextHandlers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		handler router.Handler
		payload interface{}
		want    interface{}
	}{
		{"echo keeps payload", Echo, map[string]int{"n": 1}, map[string]int{"n": 1}},
		{"upper", Upper, "hello", "HELLO"},
		{"upper bytes", Upper, []byte("abc"), "ABC"},
		{"reverse", Reverse, "abc", "cba"},
		{"reverse multibyte", Reverse, "héllo", "olléh"},
		{"reverse empty", Reverse, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.handler(ctx, message(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpperRejectsNonText(t *testing.T) {
	_, err := Upper(context.Background(), message(42))
	assert.ErrorContains(t, err, "not text")
}

func TestJSON(t *testing.T) {
	msg := message("hi")
	out, err := JSON(context.Background(), msg)
	require.NoError(t, err)

	var decoded models.Message
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, "hi", decoded.Payload)
}

func TestSlowHonoursContext(t *testing.T) {
	handler := Slow(time.Hour, Echo)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := handler(ctx, message("x"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	out, err := Slow(time.Millisecond, Echo)(context.Background(), message("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestFlaky(t *testing.T) {
	handler := Flaky(3, Echo)
	var failures int
	for i := 0; i < 9; i++ {
		if _, err := handler(context.Background(), message("x")); err != nil {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestNew(t *testing.T) {
	for _, kind := range Kinds() {
		cfg := config.AgentConfig{ID: kind, Kind: kind, FailEvery: 2}
		handler, err := New(cfg)
		require.NoError(t, err, kind)
		assert.NotNil(t, handler)
	}

	_, err := New(config.AgentConfig{ID: "x", Kind: "teleport"})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = New(config.AgentConfig{ID: "x", Kind: "flaky"})
	assert.ErrorContains(t, err, "fail_every")

	handler, err := New(config.AgentConfig{ID: "x"})
	require.NoError(t, err)
	out, err := handler(context.Background(), message("default"))
	require.NoError(t, err)
	assert.Equal(t, "default", out)
}

type recordingRegistrar struct {
	ids  []string
	fail string
}

func (r *recordingRegistrar) Register(id string, _ router.Handler) error {
	if id == r.fail {
		return errors.New("taken")
	}
	r.ids = append(r.ids, id)
	return nil
}

func TestRegisterAll(t *testing.T) {
	r := &recordingRegistrar{fail: "b"}
	err := RegisterAll(r, []config.AgentConfig{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	assert.ErrorContains(t, err, "taken")
	assert.Equal(t, []string{"a"}, r.ids)
}

func TestAgentsBehindRouter(t *testing.T) {
	breakers := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(""))
	server := router.NewServer(router.Config{QueueSize: 10, PollInterval: 10 * time.Millisecond}, breakers)
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	require.NoError(t, RegisterAll(server, []config.AgentConfig{
		{ID: "up", Kind: "upper"},
		{ID: "slow", Kind: "slow", Delay: time.Hour},
	}))

	reply, err := server.Call(context.Background(), router.CallRequest{To: "up", Payload: "shout"})
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", reply.Body)

	_, err = server.Call(context.Background(), router.CallRequest{To: "slow", Payload: "x", Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, models.ErrCallTimeout)
}
