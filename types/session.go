package types

import (
	"sync"
	"time"
)

// Stage is the lifecycle stage of a device session.
type Stage string

const (
	// StageAwaitingIdentity is the initial stage: the next message is the device id.
	StageAwaitingIdentity Stage = "awaiting_identity"
	// StageStreaming accepts binary audio frames.
	StageStreaming Stage = "streaming"
	// StageClosed is terminal.
	StageClosed Stage = "closed"
)

// FrameBuffer is an ordered, append-only sequence of audio frames.
// Drain hands the accumulated frames to a flush and resets the buffer.
// Thread-safe.
type FrameBuffer struct {
	mu      sync.Mutex
	frames  [][]byte
	size    int64
	firstAt time.Time
}

// Append copies frame into the buffer. at is the arrival time; the arrival
// time of the first frame since the last drain becomes the capture time.
func (b *FrameBuffer) Append(frame []byte, at time.Time) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		b.firstAt = at
	}
	b.frames = append(b.frames, cp)
	b.size += int64(len(cp))
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Size returns the number of buffered bytes.
func (b *FrameBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Drain returns the concatenation of all buffered frames in arrival order
// along with the capture time of the first frame, and empties the buffer.
// Returns nil data if the buffer is empty.
func (b *FrameBuffer) Drain() (data []byte, firstAt time.Time, frames int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, time.Time{}, 0
	}

	data = make([]byte, 0, b.size)
	for _, f := range b.frames {
		data = append(data, f...)
	}
	firstAt, frames = b.firstAt, len(b.frames)

	b.frames = nil
	b.size = 0
	b.firstAt = time.Time{}
	return data, firstAt, frames
}

// SessionRef is the view of a device session handed to aggregation policies.
// DeviceID is always set: policies only see sessions in StageStreaming.
type SessionRef struct {
	SessionID string
	DeviceID  string
	OpenedAt  time.Time
	Buffer    *FrameBuffer
}
