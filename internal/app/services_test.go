package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

var completed = channel.Func(func(context.Context, channel.Request) (channel.Result, error) {
	return channel.Result{Outcome: domain.OutcomeCompleted}, nil
})

func testRuntime() config.Runtime {
	return config.Runtime{
		Addr:          "127.0.0.1:0",
		BasePath:      "/v0",
		JWTSecret:     "secret",
		Workers:       2,
		DispatchRate:  100,
		DispatchBurst: 10,
		PollInterval:  10 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}
}

func TestBuildRequiresSecretAndBridge(t *testing.T) {
	_, r := openRepo(t)
	rt := testRuntime()
	rt.JWTSecret = ""
	_, err := Build(r.DB, rt, completed, zap.NewNop())
	assert.ErrorContains(t, err, "CAREFLOW_JWT_SECRET")

	_, err = Build(r.DB, testRuntime(), nil, zap.NewNop())
	assert.ErrorContains(t, err, "CAREFLOW_BRIDGE_URL")
}

func TestBuildUsesSQLQueueWithoutKafka(t *testing.T) {
	_, r := openRepo(t)
	svc, err := Build(r.DB, testRuntime(), completed, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, svc.Runner)
	assert.Nil(t, svc.Kafka)
	assert.Nil(t, svc.Engine.Queue)
	assert.Equal(t, 2, svc.Engine.Workers)
	assert.NotNil(t, svc.Engine.Limiter)
}

func TestBuildUsesKafkaWhenConfigured(t *testing.T) {
	_, r := openRepo(t)
	rt := testRuntime()
	rt.Kafka = config.KafkaRuntime{Brokers: "127.0.0.1:1", Topic: "careflow.retries", GroupID: "test"}
	svc, err := Build(r.DB, rt, completed, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Kafka.Close() })
	assert.Nil(t, svc.Runner)
	require.NotNil(t, svc.Kafka)
	assert.Equal(t, svc.Kafka, svc.Engine.Queue)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, r := openRepo(t)
	svc, err := Build(r.DB, testRuntime(), completed, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
