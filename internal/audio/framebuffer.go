package audio

import (
	"fmt"
	"sync"
)

// DefaultFrameSize is the number of samples per emitted frame.
const DefaultFrameSize = 4096

// FrameBuffer accumulates variable-size sample chunks from the capture device
// and emits fixed-size frames to a registered consumer channel. Frame delivery
// is send-or-drop: the capture path never blocks on a slow consumer, and
// frames produced while no consumer is registered are dropped, not queued.
type FrameBuffer struct {
	capacity int

	pending []float32
	frames  chan<- []float32
	monitor chan<- []float32

	emitted uint64
	dropped uint64
	echoed  uint64

	mu sync.Mutex
}

// FrameBufferStats represents frame buffer statistics for monitoring.
type FrameBufferStats struct {
	Capacity int    `json:"capacity"`
	Pending  int    `json:"pending_samples"`
	Emitted  uint64 `json:"frames_emitted"`
	Dropped  uint64 `json:"frames_dropped"`
	Echoed   uint64 `json:"frames_echoed"`
}

// NewFrameBuffer creates a frame buffer that emits frames of exactly
// capacity samples.
func NewFrameBuffer(capacity int) (*FrameBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("frame capacity must be positive, got %d", capacity)
	}

	return &FrameBuffer{
		capacity: capacity,
		pending:  make([]float32, 0, capacity),
	}, nil
}

// SetConsumer registers the channel that receives emitted frames. The channel
// should be buffered; a full channel causes the frame to be dropped rather
// than delaying capture. Must be called before capture starts.
func (f *FrameBuffer) SetConsumer(ch chan<- []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = ch
}

// SetMonitor registers an optional pass-through channel that receives each
// input chunk unchanged. Delivery is non-blocking and never affects frame
// emission.
func (f *FrameBuffer) SetMonitor(ch chan<- []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitor = ch
}

// Write accumulates a chunk of samples and emits one frame per capacity
// samples accumulated. The remainder is retained for the next frame. Returns
// the number of frames emitted (delivered or dropped) for this chunk.
func (f *FrameBuffer) Write(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.echo(samples)

	f.pending = append(f.pending, samples...)

	frames := 0
	for len(f.pending) >= f.capacity {
		frame := make([]float32, f.capacity)
		copy(frame, f.pending[:f.capacity])

		// Retain the remainder for the next frame.
		n := copy(f.pending, f.pending[f.capacity:])
		f.pending = f.pending[:n]

		f.deliver(frame)
		frames++
	}

	return frames
}

// Flush emits the accumulated remainder as a final short frame. This is the
// only case where a frame shorter than the configured capacity is produced.
// Returns true if a frame was emitted.
func (f *FrameBuffer) Flush() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return false
	}

	frame := make([]float32, len(f.pending))
	copy(frame, f.pending)
	f.pending = f.pending[:0]

	f.deliver(frame)
	return true
}

// deliver hands a frame to the consumer without blocking. Caller holds f.mu.
func (f *FrameBuffer) deliver(frame []float32) {
	if f.frames == nil {
		f.dropped++
		return
	}

	select {
	case f.frames <- frame:
		f.emitted++
	default:
		f.dropped++
	}
}

// echo forwards the raw input chunk to the monitor channel without blocking.
// Caller holds f.mu.
func (f *FrameBuffer) echo(samples []float32) {
	if f.monitor == nil {
		return
	}

	chunk := make([]float32, len(samples))
	copy(chunk, samples)

	select {
	case f.monitor <- chunk:
		f.echoed++
	default:
	}
}

// Pending returns the number of samples accumulated toward the next frame.
func (f *FrameBuffer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// GetStats returns current frame buffer statistics.
func (f *FrameBuffer) GetStats() FrameBufferStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return FrameBufferStats{
		Capacity: f.capacity,
		Pending:  len(f.pending),
		Emitted:  f.emitted,
		Dropped:  f.dropped,
		Echoed:   f.echoed,
	}
}
