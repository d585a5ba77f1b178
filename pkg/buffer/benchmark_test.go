package buffer

import (
	"context"
	"testing"
	"time"
)

// BenchmarkBufferWrite benchmarks Write across overflow policies.
func BenchmarkBufferWrite(b *testing.B) {
	benchmarks := []struct {
		name     string
		capacity int
		policy   OverflowPolicy
	}{
		{"Circular_100_DropOldest", 100, DropOldest},
		{"Circular_100_DropNewest", 100, DropNewest},
		{"Circular_1000_DropOldest", 1000, DropOldest},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			buf, err := NewCircularBuffer[int](bm.capacity, WithOverflowPolicy[int](bm.policy))
			if err != nil {
				b.Fatal(err)
			}
			defer buf.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_ = buf.Write(i)
					i++
				}
			})
		})
	}
}

// BenchmarkFrameQueue models the capture/assembly pair: one writer, one
// ReadWithTimeout consumer.
func BenchmarkFrameQueue(b *testing.B) {
	buf, err := NewCircularBuffer[[]byte](600)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	frame := make([]byte, 640*480*3)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := buf.ReadWithTimeout(ctx, 10*time.Millisecond); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(frame)
	}
	b.StopTimer()

	buf.Close()
	<-done
}
