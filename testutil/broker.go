package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Record is one confirmed message.
type Record struct {
	Key   string
	Value []byte
}

// RecordingProducer is an in-memory producer. Produce queues a record; Flush
// confirms every queued record, or fails and discards them.
type RecordingProducer struct {
	mu        sync.Mutex
	pending   []Record
	confirmed []Record
	closed    bool

	// ProduceErrs and FlushErrs are consumed one per call; nil entries succeed.
	ProduceErrs []error
	FlushErrs   []error

	produceCalls int
	flushCalls   int
}

// NewRecordingProducer returns an empty producer.
func NewRecordingProducer() *RecordingProducer {
	return &RecordingProducer{}
}

// Produce implements broker.Producer.
func (p *RecordingProducer) Produce(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("producer is closed")
	}
	i := p.produceCalls
	p.produceCalls++
	if i < len(p.ProduceErrs) && p.ProduceErrs[i] != nil {
		return p.ProduceErrs[i]
	}

	p.pending = append(p.pending, Record{Key: string(key), Value: bytes.Clone(value)})
	return nil
}

// Flush implements broker.Producer.
func (p *RecordingProducer) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.flushCalls
	p.flushCalls++
	if i < len(p.FlushErrs) && p.FlushErrs[i] != nil {
		p.pending = nil
		return p.FlushErrs[i]
	}

	p.confirmed = append(p.confirmed, p.pending...)
	p.pending = nil
	return nil
}

// Close implements broker.Producer.
func (p *RecordingProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Records returns a copy of the confirmed records.
func (p *RecordingProducer) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.confirmed))
	copy(out, p.confirmed)
	return out
}

// Keys returns the confirmed keys in order.
func (p *RecordingProducer) Keys() []string {
	records := p.Records()
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}

// ProduceCalls returns the number of Produce calls.
func (p *RecordingProducer) ProduceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produceCalls
}

// Closed reports whether Close was called.
func (p *RecordingProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// StaticResolver returns Tail, or Err for the first len(Errs) calls.
type StaticResolver struct {
	Tail int64
	Errs []error

	mu    sync.Mutex
	calls int
}

// TailOffset implements broker.OffsetResolver.
func (r *StaticResolver) TailOffset(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.Errs) && r.Errs[i] != nil {
		return 0, r.Errs[i]
	}
	return r.Tail, nil
}

// Calls returns the number of TailOffset calls.
func (r *StaticResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// WaitForRecords waits until p has at least n confirmed records.
func WaitForRecords(t *testing.T, p *RecordingProducer, n int, timeout time.Duration) []Record {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if records := p.Records(); len(records) >= n {
			return records
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for %d records (got %d)", n, len(p.Records()))
			return nil
		case <-ticker.C:
		}
	}
}
