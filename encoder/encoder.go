// Package encoder turns a chunk into a single in-memory container blob.
//
// Encoding goes through a transient file because container muxers such as
// MP4 need a seekable output. Each call writes <uuid>.<ext> in the work
// directory, reads it back, and removes it on every return path.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
)

// Codec writes frames into a container file.
type Codec interface {
	// Encode writes frames, in order, to path at params.FPS and params.Dimensions.
	Encode(ctx context.Context, path string, frames []media.Frame, params media.StreamParams) error
	ContentType() string
	// Extension is the artifact suffix without the dot.
	Extension() string
}

// Config controls artifact placement and the payload ceiling.
type Config struct {
	WorkDir string
	// MaxPayloadBytes rejects payloads the broker would refuse. Zero disables
	// the check.
	MaxPayloadBytes int
}

// Deps holds the collaborators of an Encoder.
type Deps struct {
	Config  Config
	Codec   Codec
	Metrics *metric.Metrics // optional
	Logger  *slog.Logger
}

// Encoder runs a Codec against transient artifacts.
type Encoder struct {
	cfg     Config
	codec   Codec
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates the work directory if needed.
func New(deps Deps) (*Encoder, error) {
	if deps.Codec == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Encoder", "New", "codec is required")
	}
	cfg := deps.Config
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "Encoder", "New", "create work directory")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "encoder")
	}
	return &Encoder{cfg: cfg, codec: deps.Codec, metrics: deps.Metrics, logger: logger}, nil
}

// ContentType is the codec's MIME type.
func (e *Encoder) ContentType() string { return e.codec.ContentType() }

// Encode serializes chunk. Every error wraps ErrEncodeFailed and is
// classified invalid: the chunk is bad, the pipeline is not.
func (e *Encoder) Encode(ctx context.Context, chunk media.Chunk, params media.StreamParams) (media.EncodedPayload, error) {
	payload, err := e.encode(ctx, chunk, params)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordEncodeError()
		}
		return media.EncodedPayload{}, err
	}
	return payload, nil
}

func (e *Encoder) encode(ctx context.Context, chunk media.Chunk, params media.StreamParams) (media.EncodedPayload, error) {
	if chunk.Len() == 0 {
		return media.EncodedPayload{}, e.fail(errors.ErrEmptyChunk, "check chunk")
	}

	path := e.ArtifactPath()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Failed to remove encode artifact", "path", path, "error", err)
		}
	}()

	started := time.Now()
	if err := e.codec.Encode(ctx, path, chunk.Frames(), params); err != nil {
		return media.EncodedPayload{}, e.fail(err, "encode frames")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return media.EncodedPayload{}, e.fail(err, "read artifact")
	}

	if e.cfg.MaxPayloadBytes > 0 && len(data) > e.cfg.MaxPayloadBytes {
		return media.EncodedPayload{}, e.fail(
			fmt.Errorf("%w: %d bytes > %d", errors.ErrPayloadTooLarge, len(data), e.cfg.MaxPayloadBytes),
			"check payload size")
	}

	took := time.Since(started)
	if e.metrics != nil {
		e.metrics.RecordEncode(took, len(data))
	}
	e.logger.Debug("Chunk encoded",
		"frames", chunk.Len(),
		"bytes", len(data),
		"took", took)

	return media.EncodedPayload{
		Data:        data,
		ContentType: e.codec.ContentType(),
		Frames:      chunk.Len(),
		AssembledAt: chunk.EndedAt(),
	}, nil
}

// ArtifactPath returns a fresh, unused artifact path.
func (e *Encoder) ArtifactPath() string {
	return filepath.Join(e.cfg.WorkDir, uuid.NewString()+"."+e.codec.Extension())
}

func (e *Encoder) fail(err error, action string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrEncodeFailed, err), "Encoder", "Encode", action)
}
