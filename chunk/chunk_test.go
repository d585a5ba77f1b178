package chunk

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pkg/buffer"
)

func setup(t *testing.T, fps float64, window, poll time.Duration) (*Assembler, buffer.Buffer[media.Frame], *metric.Metrics) {
	t.Helper()
	q, err := buffer.NewCircularBuffer[media.Frame](1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	m := metric.NewMetrics()
	a, err := NewAssembler(Deps{
		Config:  Config{Window: window, PollInterval: poll},
		Queue:   q,
		State:   media.NewStreamState(media.StreamParams{FPS: fps}),
		Metrics: m,
	})
	require.NoError(t, err)
	return a, q, m
}

func push(t *testing.T, q buffer.Buffer[media.Frame], from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, q.Write(media.Frame{Seq: uint64(i), Data: []byte{byte(i)}}))
	}
}

func TestTarget(t *testing.T) {
	assert.Equal(t, 50, Target(10, 5*time.Second))
	assert.Equal(t, 150, Target(29.97, 5*time.Second))
	assert.Equal(t, 1, Target(0.1, time.Second))
	assert.Equal(t, 0, Target(0, 5*time.Second))
}

func TestNewAssembler_Validation(t *testing.T) {
	_, err := NewAssembler(Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	q, err := buffer.NewCircularBuffer[media.Frame](4)
	require.NoError(t, err)
	_, err = NewAssembler(Deps{Queue: q, State: media.NewStreamState(media.StreamParams{})})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNext_ClosesOnCountBeforeWindow(t *testing.T) {
	// 5s window at 10 fps; 50 frames are already waiting.
	a, q, m := setup(t, 10, 5*time.Second, 100*time.Millisecond)
	push(t, q, 1, 50)

	start := time.Now()
	c, err := a.Next(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 50, c.Len())
	assert.Equal(t, media.ClosedByCount, c.ClosedBy)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ChunksAssembled.WithLabelValues("count")))
}

func TestNext_ClosesOnTime(t *testing.T) {
	window := 150 * time.Millisecond
	a, q, m := setup(t, 100, window, 10*time.Millisecond)
	push(t, q, 1, 3)

	c, err := a.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, media.ClosedByTime, c.ClosedBy)
	assert.GreaterOrEqual(t, c.Duration, window)
	// Poll timeout is clipped to the remaining window
	assert.Less(t, c.Duration, window+50*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ChunksAssembled.WithLabelValues("time")))
}

func TestNext_NeverExceedsTargetAndKeepsOrder(t *testing.T) {
	a, q, _ := setup(t, 100, 300*time.Millisecond, 10*time.Millisecond) // target 30
	push(t, q, 1, 35)

	first, err := a.Next(context.Background())
	require.NoError(t, err)
	second, err := a.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 30, first.Len())
	assert.Equal(t, media.ClosedByCount, first.ClosedBy)
	assert.Equal(t, 5, second.Len())
	assert.Equal(t, media.ClosedByTime, second.ClosedBy)

	var seqs []uint64
	for _, c := range []media.Chunk{first, second} {
		assert.LessOrEqual(t, c.Len(), Target(100, 300*time.Millisecond)+1)
		for _, f := range c.Frames() {
			seqs = append(seqs, f.Seq)
		}
	}
	require.Len(t, seqs, 35)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestNext_SkipsEmptyWindows(t *testing.T) {
	a, q, m := setup(t, 10, 50*time.Millisecond, 10*time.Millisecond)

	go func() {
		time.Sleep(130 * time.Millisecond)
		_ = q.Write(media.Frame{Seq: 1})
	}()

	c, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.EmptyWindows), 2.0)
}

func TestNext_CancelDiscardsPartialWindow(t *testing.T) {
	a, q, _ := setup(t, 10, 5*time.Second, 10*time.Millisecond)
	push(t, q, 1, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c, err := a.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

func TestNext_ClosedQueue(t *testing.T) {
	a, q, _ := setup(t, 10, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, q.Close())

	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestNext_PicksUpRateChange(t *testing.T) {
	q, err := buffer.NewCircularBuffer[media.Frame](64)
	require.NoError(t, err)
	state := media.NewStreamState(media.StreamParams{FPS: 2})
	a, err := NewAssembler(Deps{
		Config: Config{Window: time.Second},
		Queue:  q,
		State:  state,
	})
	require.NoError(t, err)

	push(t, q, 1, 6)
	c, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	state.SetParams(media.StreamParams{FPS: 4})
	c, err = a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
}
