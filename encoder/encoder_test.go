package encoder

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
)

// concatCodec writes the frame bytes back to back and remembers the path.
type concatCodec struct {
	paths []string
	err   error
}

func (c *concatCodec) Encode(_ context.Context, path string, frames []media.Frame, _ media.StreamParams) error {
	c.paths = append(c.paths, path)
	var b []byte
	for _, f := range frames {
		b = append(b, f.Data...)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	return c.err
}

func (c *concatCodec) ContentType() string { return "application/octet-stream" }
func (c *concatCodec) Extension() string   { return "bin" }

func chunkOf(data ...string) media.Chunk {
	frames := make([]media.Frame, len(data))
	for i, d := range data {
		frames[i] = media.Frame{Seq: uint64(i + 1), Data: []byte(d)}
	}
	return media.NewChunk(frames, time.Unix(100, 0), 5*time.Second, media.ClosedByTime)
}

func newEncoder(t *testing.T, codec Codec, maxBytes int) (*Encoder, string, *metric.Metrics) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	m := metric.NewMetrics()
	e, err := New(Deps{
		Config:  Config{WorkDir: dir, MaxPayloadBytes: maxBytes},
		Codec:   codec,
		Metrics: m,
	})
	require.NoError(t, err)
	return e, dir, m
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestEncode_ReadsBackAndRemovesArtifact(t *testing.T) {
	codec := &concatCodec{}
	e, dir, m := newEncoder(t, codec, 0)

	payload, err := e.Encode(context.Background(), chunkOf("ab", "cd", "ef"), media.StreamParams{FPS: 10})
	require.NoError(t, err)

	assert.Equal(t, []byte("abcdef"), payload.Data)
	assert.Equal(t, "application/octet-stream", payload.ContentType)
	assert.Equal(t, 3, payload.Frames)
	assert.Equal(t, time.Unix(105, 0), payload.AssembledAt)

	require.Len(t, codec.paths, 1)
	name := filepath.Base(codec.paths[0])
	assert.True(t, strings.HasSuffix(name, ".bin"))
	_, err = uuid.Parse(strings.TrimSuffix(name, ".bin"))
	assert.NoError(t, err)

	assert.Empty(t, dirEntries(t, dir))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.EncodeErrors))
}

func TestEncode_UniqueArtifacts(t *testing.T) {
	codec := &concatCodec{}
	e, _, _ := newEncoder(t, codec, 0)

	for i := 0; i < 3; i++ {
		_, err := e.Encode(context.Background(), chunkOf("x"), media.StreamParams{})
		require.NoError(t, err)
	}
	require.Len(t, codec.paths, 3)
	assert.NotEqual(t, codec.paths[0], codec.paths[1])
	assert.NotEqual(t, codec.paths[1], codec.paths[2])
}

func TestEncode_CodecFailureRemovesArtifact(t *testing.T) {
	codec := &concatCodec{err: stderrors.New("muxer exploded")}
	e, dir, m := newEncoder(t, codec, 0)

	_, err := e.Encode(context.Background(), chunkOf("ab"), media.StreamParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEncodeFailed)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "muxer exploded")

	assert.Empty(t, dirEntries(t, dir))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EncodeErrors))
}

func TestEncode_EmptyChunk(t *testing.T) {
	e, _, _ := newEncoder(t, &concatCodec{}, 0)

	_, err := e.Encode(context.Background(), media.Chunk{}, media.StreamParams{})
	assert.ErrorIs(t, err, errors.ErrEmptyChunk)
	assert.ErrorIs(t, err, errors.ErrEncodeFailed)
}

func TestEncode_PayloadCeiling(t *testing.T) {
	e, dir, _ := newEncoder(t, &concatCodec{}, 4)

	_, err := e.Encode(context.Background(), chunkOf("abc", "def"), media.StreamParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
	assert.ErrorIs(t, err, errors.ErrEncodeFailed)
	assert.Empty(t, dirEntries(t, dir))

	payload, err := e.Encode(context.Background(), chunkOf("ab", "cd"), media.StreamParams{})
	require.NoError(t, err)
	assert.Equal(t, 4, payload.Len())
}

func TestNew_RequiresCodec(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
