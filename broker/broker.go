// Package broker defines what the publisher needs from a message broker.
//
// A broker holds one ordered, possibly partitioned stream of chunks. The
// publisher only produces to it and, once at startup, asks how far it
// extends so sequence keys continue across restarts.
package broker

import "context"

// RecordOverhead is reserved out of a broker message limit for the key,
// headers and record/batch framing around an encoded payload.
const RecordOverhead = 1024

// MaxPayload is the largest encoded chunk that still fits a broker
// message of maxMessageBytes once framed.
func MaxPayload(maxMessageBytes int) int {
	if maxMessageBytes <= RecordOverhead {
		return 0
	}
	return maxMessageBytes - RecordOverhead
}

// Producer enqueues records and confirms them.
type Producer interface {
	// Produce enqueues a record. It may return before the broker has it.
	Produce(ctx context.Context, key, value []byte) error
	// Flush blocks until every enqueued record is acknowledged, and reports
	// the first failure among them.
	Flush(ctx context.Context) error
	Close()
}

// OffsetResolver reports the stream tail.
type OffsetResolver interface {
	// TailOffset returns the largest next-write position across all
	// partitions, or 0 for an empty or missing stream. With several
	// partitions this is an approximation of the total record count.
	TailOffset(ctx context.Context) (int64, error)
}

// Client is a broker connection offering both roles.
type Client interface {
	Producer
	OffsetResolver
}
