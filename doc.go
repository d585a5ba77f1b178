// Package camstream captures frames from a camera, groups them into fixed
// time windows, encodes each window into one container blob and publishes
// it to a partitioned log under a monotonically increasing sequence key.
//
// # Architecture
//
// Two execution units share a bounded frame queue:
//
//	capture.Source ──> buffer.Buffer[media.Frame] ──> chunk.Assembler
//	                                                      │
//	                      publisher.Publisher <── encoder.Encoder
//
// The capture unit owns the device. It reopens it with backoff after read
// errors, stalls (frames lagging the reported rate) and invalid rates. The
// pipeline unit closes a window by time or by frame count, encodes it
// through a transient artifact, and publishes it. A key is committed only
// after the broker confirms the record.
//
// On startup the publisher asks the broker for the tail of the topic and
// continues numbering from there, so keys stay strictly increasing across
// restarts.
//
// # Packages
//
//   - media: frames, chunks, payloads, sequence keys and shared stream state
//   - capture, capture/ffmpeg: device contract, restart loop, ffmpeg input
//   - chunk: window assembly
//   - encoder, codec/ffmpeg, codec/framepack: artifact handling and codecs
//   - broker, broker/kafka, broker/jetstream: producer and tail resolver
//   - publisher, pipeline: key assignment and unit supervision
//   - config, errors, health, metric, pkg/buffer, pkg/retry: infrastructure
//
// The binary lives in cmd/camstream.
package camstream
