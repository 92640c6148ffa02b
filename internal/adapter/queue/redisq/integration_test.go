//go:build integration

package redisq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// One Redis container shared by the whole tagged run; each test gets its
// own client and queue namespace. The testcontainers reaper tears the
// container down when the test process exits.
var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

func containerAddr(t *testing.T) string {
	t.Helper()
	redisOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		}
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
		if err != nil {
			redisErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := c.MappedPort(ctx, "6379")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = host + ":" + port.Port()
	})
	require.NoError(t, redisErr)
	return redisAddr
}

func integrationBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: containerAddr(t)})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return New(rdb), "intg-" + strings.ToLower(t.Name())
}

func TestIntegrationBroker_RoundTrip(t *testing.T) {
	broker, queue := integrationBroker(t)
	ctx := context.Background()

	id, err := broker.Enqueue(ctx, queue, map[string]string{"filePath": "a.go"}, domain.EnqueueOptions{Attempts: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := broker.Reserve(ctx, queue)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.Attempt)
	require.JSONEq(t, `{"filePath":"a.go"}`, string(job.Payload))

	require.NoError(t, broker.Ack(ctx, job))

	c, err := broker.Counts(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Completed)
	require.Zero(t, c.Active)
	require.Zero(t, c.Waiting)
}

func TestIntegrationBroker_RetryThenDeadLetter(t *testing.T) {
	broker, queue := integrationBroker(t)
	ctx := context.Background()

	_, err := broker.Enqueue(ctx, queue, map[string]string{"k": "v"}, domain.EnqueueOptions{
		Attempts: 2,
		Backoff:  domain.BackoffSpec{Type: domain.BackoffFixed, Delay: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	job, err := broker.Reserve(ctx, queue)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, broker.Fail(ctx, job, errors.New("transient"), true))

	c, err := broker.Counts(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Delayed)

	// Reserve promotes the retry once its fixed backoff elapses.
	var second *domain.QueueJob
	require.Eventually(t, func() bool {
		j, err := broker.Reserve(ctx, queue)
		if err != nil || j == nil {
			return false
		}
		second = j
		return true
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, 2, second.Attempt)

	// Attempts exhausted: the job lands in failed and on the DLQ.
	require.NoError(t, broker.Fail(ctx, second, errors.New("still broken"), true))

	c, err = broker.Counts(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Failed)
	require.Zero(t, c.Delayed)

	dlq, err := broker.Counts(ctx, domain.DeadLetterQueue(queue))
	require.NoError(t, err)
	require.Equal(t, int64(1), dlq.Waiting)
}

func TestIntegrationBroker_PauseBlocksReserve(t *testing.T) {
	broker, queue := integrationBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.Pause(ctx, queue))
	_, err := broker.Enqueue(ctx, queue, map[string]string{"k": "v"}, domain.EnqueueOptions{Attempts: 1})
	require.NoError(t, err)

	job, err := broker.Reserve(ctx, queue)
	require.NoError(t, err)
	require.Nil(t, job, "paused queue must not hand out jobs")

	require.NoError(t, broker.Resume(ctx, queue))
	job, err = broker.Reserve(ctx, queue)
	require.NoError(t, err)
	require.NotNil(t, job)
}
