package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/c360/camstream/broker"
	"github.com/c360/camstream/broker/jetstream"
	"github.com/c360/camstream/broker/kafka"
	"github.com/c360/camstream/capture"
	capffmpeg "github.com/c360/camstream/capture/ffmpeg"
	"github.com/c360/camstream/chunk"
	codecffmpeg "github.com/c360/camstream/codec/ffmpeg"
	"github.com/c360/camstream/codec/framepack"
	"github.com/c360/camstream/config"
	"github.com/c360/camstream/encoder"
	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/health"
	"github.com/c360/camstream/media"
	"github.com/c360/camstream/metric"
	"github.com/c360/camstream/pipeline"
	"github.com/c360/camstream/pkg/buffer"
	"github.com/c360/camstream/publisher"
)

// app is the wired pipeline and the resources it owns.
type app struct {
	state     *media.StreamState
	queue     buffer.Buffer[media.Frame]
	client    broker.Client
	publisher *publisher.Publisher
	pipeline  *pipeline.Pipeline
}

// Close releases the broker connection.
func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	} else if a.client != nil {
		a.client.Close()
	}
}

func buildApp(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*app, error) {
	metrics := registry.CoreMetrics()

	opener, err := capffmpeg.NewOpener(capffmpeg.Config{
		FFmpegPath:  cfg.Device.FFmpegPath,
		FFprobePath: cfg.Device.FFprobePath,
		Source:      cfg.Device.Source,
		Format:      cfg.Device.Format,
		PixelFormat: cfg.Device.PixelFormat,
		InputArgs:   cfg.Device.InputArgs,
		FPS:         cfg.Device.FPS,
		Width:       cfg.Device.Width,
		Height:      cfg.Device.Height,
	}, logger.With("component", "device"))
	if err != nil {
		return nil, err
	}

	// The stream must report a usable rate before anything is published.
	params, err := capture.Probe(ctx, opener)
	if err != nil {
		return nil, err
	}
	logger.Info("Capture device probed",
		"source", cfg.Device.Source,
		"fps", params.FPS,
		"dimensions", params.Dimensions.String())

	state := media.NewStreamState(params)
	a := &app{state: state}

	a.queue, err = newQueue(cfg, params.FPS, registry, logger)
	if err != nil {
		return nil, err
	}

	a.client, err = newBroker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.publisher, err = publisher.New(ctx, publisher.Deps{
		Config: publisher.Config{
			MaxAttempts:  cfg.Publish.MaxAttempts,
			InitialDelay: cfg.Publish.InitialDelay,
			MaxDelay:     cfg.Publish.MaxDelay,
		},
		Producer: a.client,
		Resolver: a.client,
		State:    state,
		Metrics:  metrics,
		Health:   monitor,
		Logger:   logger.With("component", "publisher"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	enc, err := encoder.New(encoder.Deps{
		Config: encoder.Config{
			WorkDir:         cfg.Encoder.WorkDir,
			MaxPayloadBytes: broker.MaxPayload(cfg.Broker.MaxMessageBytes),
		},
		Codec:   codec,
		Metrics: metrics,
		Logger:  logger.With("component", "encoder"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	source, err := capture.NewSource(capture.Deps{
		Config: capture.Config{
			StallThreshold:     cfg.Chunk.EffectiveStallThreshold(),
			ReopenInitialDelay: cfg.Device.ReopenInitialDelay,
			ReopenMaxDelay:     cfg.Device.ReopenMaxDelay,
			OpenLogInterval:    cfg.Device.OpenLogInterval,
		},
		Opener:  opener,
		Queue:   a.queue,
		State:   state,
		Metrics: metrics,
		Health:  monitor,
		Logger:  logger.With("component", "capture"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	asm, err := chunk.NewAssembler(chunk.Deps{
		Config: chunk.Config{
			Window:       cfg.Chunk.Window,
			PollInterval: cfg.Chunk.PollInterval,
		},
		Queue:   a.queue,
		State:   state,
		Metrics: metrics,
		Logger:  logger.With("component", "chunk"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Capture:   source,
		Assembler: asm,
		Encoder:   enc,
		Publisher: a.publisher,
		Queue:     a.queue,
		State:     state,
		Metrics:   metrics,
		Health:    monitor,
		Logger:    logger.With("component", "pipeline"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newQueue(
	cfg *config.Config,
	fps float64,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (buffer.Buffer[media.Frame], error) {
	policy, ok := buffer.ParseOverflowPolicy(cfg.Queue.Policy)
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: queue.policy %q", errors.ErrInvalidConfig, cfg.Queue.Policy),
			"main", "newQueue", "parse overflow policy")
	}

	dropLog := rate.NewLimiter(rate.Every(cfg.Device.OpenLogInterval), 1)
	capacity := cfg.QueueCapacity(fps)

	q, err := buffer.NewCircularBuffer[media.Frame](capacity,
		buffer.WithOverflowPolicy[media.Frame](policy),
		buffer.WithMetrics[media.Frame](registry, "frame_queue"),
		buffer.WithDropCallback[media.Frame](func(f media.Frame) {
			if dropLog.Allow() {
				logger.Warn("Frame queue full, dropping frames", "frame_seq", f.Seq, "capacity", capacity)
			}
		}),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "main", "newQueue", "create frame queue")
	}
	return q, nil
}

func newBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Client, error) {
	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		c, err := kafka.New(ctx, kafka.Config{
			Brokers:         []string{cfg.Broker.Address()},
			Topic:           cfg.Broker.Topic,
			ClientID:        appName,
			MaxMessageBytes: cfg.Broker.MaxMessageBytes,
			Linger:          cfg.Broker.Linger,
			DialTimeout:     cfg.Broker.DialTimeout,
			AutoCreateTopic: cfg.Broker.AutoCreateTopic,
		}, logger.With("component", "kafka"))
		if err != nil {
			return nil, errors.WrapFatal(err, "main", "newBroker", "connect kafka")
		}
		return c, nil

	case config.BrokerJetStream:
		connCtx, cancel := context.WithTimeout(ctx, cfg.Broker.DialTimeout)
		defer cancel()
		c, err := jetstream.Connect(connCtx, jetstream.Config{
			URL:             "nats://" + cfg.Broker.Host + ":" + strconv.Itoa(cfg.Broker.Port),
			Topic:           cfg.Broker.Topic,
			SubjectPrefix:   cfg.Broker.SubjectPrefix,
			ClientName:      appName,
			Timeout:         cfg.Broker.DialTimeout,
			CreateStream:    cfg.Broker.CreateStream,
			MaxMessageBytes: cfg.Broker.MaxMessageBytes,
		}, logger.With("component", "jetstream"))
		if err != nil {
			return nil, errors.WrapFatal(err, "main", "newBroker", "connect jetstream")
		}
		return c, nil

	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: broker.kind %q", errors.ErrInvalidConfig, cfg.Broker.Kind),
			"main", "newBroker", "select broker")
	}
}

func newCodec(cfg *config.Config) (encoder.Codec, error) {
	switch cfg.Encoder.Codec {
	case config.CodecFFmpeg:
		return codecffmpeg.New(codecffmpeg.Config{
			FFmpegPath:  cfg.Encoder.FFmpegPath,
			PixelFormat: cfg.Encoder.PixelFormat,
			ExtraArgs:   cfg.Encoder.ExtraArgs,
		}), nil
	case config.CodecFramepack:
		c, err := framepack.ParseCompression(cfg.Encoder.Compression)
		if err != nil {
			return nil, errors.WrapFatal(err, "main", "newCodec", "parse compression")
		}
		return framepack.New(c), nil
	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: encoder.codec %q", errors.ErrInvalidConfig, cfg.Encoder.Codec),
			"main", "newCodec", "select codec")
	}
}

var (
	_ broker.Client = (*kafka.Client)(nil)
	_ broker.Client = (*jetstream.Client)(nil)
)
