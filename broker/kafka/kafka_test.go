package kafka

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/pkg/retry"
)

const testTopic = "camstream-test"

func newCluster(t *testing.T, partitions int32) []string {
	t.Helper()
	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, testTopic))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c.ListenAddrs()
}

func newClient(t *testing.T, addrs []string, topic string) *Client {
	t.Helper()
	return newClientWith(t, Config{Brokers: addrs, Topic: topic})
}

func newClientWith(t *testing.T, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg.DialTimeout = 5 * time.Second
	c, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresBrokersAndTopic(t *testing.T) {
	_, err := New(context.Background(), Config{Topic: "x"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(context.Background(), Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestNew_UnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		Brokers:     []string{"127.0.0.1:1"},
		Topic:       testTopic,
		DialTimeout: 500 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestProduceFlush_RecordsKeyedInOrder(t *testing.T) {
	addrs := newCluster(t, 1)
	c := newClient(t, addrs, testTopic)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		key := []byte(strconv.Itoa(i))
		require.NoError(t, c.Produce(ctx, key, []byte("chunk-"+strconv.Itoa(i))))
		require.NoError(t, c.Flush(ctx))
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		kgo.ConsumeTopics(testTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var keys []string
	deadline := time.Now().Add(10 * time.Second)
	for len(keys) < 3 && time.Now().Before(deadline) {
		pollCtx, cancel := context.WithTimeout(ctx, time.Second)
		fetches := consumer.PollFetches(pollCtx)
		cancel()
		fetches.EachRecord(func(r *kgo.Record) {
			keys = append(keys, string(r.Key))
		})
	}
	assert.Equal(t, []string{"1", "2", "3"}, keys)
}

func TestTailOffset_EmptyTopic(t *testing.T) {
	c := newClient(t, newCluster(t, 1), testTopic)

	tail, err := c.TailOffset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)
}

func TestTailOffset_MissingTopicIsZero(t *testing.T) {
	c := newClient(t, newCluster(t, 1), "never-created")

	tail, err := c.TailOffset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)
}

func TestTailOffset_AfterProduce(t *testing.T) {
	c := newClient(t, newCluster(t, 1), testTopic)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, c.Produce(ctx, []byte(strconv.Itoa(i)), []byte("v")))
	}
	require.NoError(t, c.Flush(ctx))

	tail, err := c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tail)
}

func TestTailOffset_TakesLargestPartition(t *testing.T) {
	addrs := newCluster(t, 2)
	ctx := context.Background()

	seed, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		kgo.DefaultProduceTopic(testTopic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	defer seed.Close()

	counts := map[int32]int{0: 2, 1: 5}
	for p, n := range counts {
		for i := 0; i < n; i++ {
			rec := &kgo.Record{Partition: p, Value: []byte("v")}
			require.NoError(t, seed.ProduceSync(ctx, rec).FirstErr())
		}
	}

	c := newClient(t, addrs, testTopic)
	tail, err := c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tail)
}

func TestProduceFlush_CreatesMissingTopic(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.AllowAutoTopicCreation())
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	c := newClientWith(t, Config{Brokers: cluster.ListenAddrs(), Topic: "fresh-topic", AutoCreateTopic: true})
	ctx := context.Background()

	tail, err := c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)

	require.NoError(t, c.Produce(ctx, []byte("1"), []byte("chunk-1")))
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Pending())

	tail, err = c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tail)
}

func TestFlush_TooLargeIsNonRetryable(t *testing.T) {
	c := newClientWith(t, Config{Brokers: newCluster(t, 1), Topic: testTopic, MaxMessageBytes: 4096})
	ctx := context.Background()

	require.NoError(t, c.Produce(ctx, []byte("1"), make([]byte, 16*1024)))
	err := c.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, errors.IsFatal(err))
	assert.True(t, retry.IsNonRetryable(err))

	// The failure is reported once; the client keeps working.
	require.NoError(t, c.Produce(ctx, []byte("2"), []byte("small")))
	require.NoError(t, c.Flush(ctx))
}
