package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	bus := notify.NewRedisBus(client, 0)
	defer bus.Close()
	ctx := context.Background()
	jobID := uuid.New()

	jobSub, err := bus.Subscribe(ctx, notify.JobTopic(jobID))
	require.NoError(t, err)
	defer jobSub.Close()
	ownerSub, err := bus.Subscribe(ctx, notify.OwnerTopic("alice"))
	require.NoError(t, err)
	defer ownerSub.Close()

	statuses := []string{models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted}
	for _, s := range statuses {
		evt := event(jobID, "alice", s)
		if s == models.JobStatusCompleted {
			evt.Result = []byte(`{"total_chunks":5}`)
		}
		require.NoError(t, bus.Publish(ctx, evt))
	}

	for _, want := range statuses {
		got := receive(t, jobSub)
		assert.Equal(t, want, got.Status)
		assert.Equal(t, jobID, got.JobID)
	}
	for _, want := range statuses {
		assert.Equal(t, want, receive(t, ownerSub).Status)
	}
}

func TestRedisBus_CloseEndsSubscription(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	bus := notify.NewRedisBus(client, 0)

	sub, err := bus.Subscribe(context.Background(), notify.JobTopic(uuid.New()))
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed")
	}

	_, err = bus.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, notify.ErrClosed)
}
