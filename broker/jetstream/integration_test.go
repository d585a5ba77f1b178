//go:build integration
// +build integration

package jetstream

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/pkg/retry"
)

// startNATS runs a JetStream enabled server in a container and returns its URL.
func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func connect(t *testing.T, url string, create bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Connect(ctx, Config{
		URL:             url,
		Topic:           "frames",
		CreateStream:    create,
		MaxMessageBytes: 1 << 20,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestIntegration_TailOfMissingStream(t *testing.T) {
	c := connect(t, startNATS(t), false)

	tail, err := c.TailOffset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)
}

func TestIntegration_PublishAdvancesTail(t *testing.T) {
	c := connect(t, startNATS(t), true)
	ctx := context.Background()
	assert.True(t, c.IsConnected())

	tail, err := c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tail)

	for i := 1; i <= 3; i++ {
		key := []byte(strconv.Itoa(i))
		require.NoError(t, c.Produce(ctx, key, []byte("chunk")))
		require.NoError(t, c.Flush(ctx))
	}

	tail, err = c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tail)

	stream, err := c.js.Stream(ctx, "frames")
	require.NoError(t, err)
	msg, err := stream.GetMsg(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "2", msg.Header.Get(SeqHeader))
	assert.Equal(t, "2", msg.Header.Get(jetstream.MsgIDHeader))
}

func TestIntegration_DuplicateKeyIsDropped(t *testing.T) {
	c := connect(t, startNATS(t), true)
	ctx := context.Background()

	require.NoError(t, c.Produce(ctx, []byte("1"), []byte("a")))
	require.NoError(t, c.Flush(ctx))
	// A retried publish with the same key does not create a second message.
	require.NoError(t, c.Produce(ctx, []byte("1"), []byte("a")))
	require.NoError(t, c.Flush(ctx))

	tail, err := c.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tail)
}

func TestIntegration_OversizedMessageFails(t *testing.T) {
	c := connect(t, startNATS(t), true)
	ctx := context.Background()

	// Above the server's default 1 MiB max_payload
	err := c.Produce(ctx, []byte("1"), make([]byte, 2<<20))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
	assert.True(t, retry.IsNonRetryable(err))
	assert.False(t, errors.IsFatal(err))
}
