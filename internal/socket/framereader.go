package socket

import "github.com/smallnest/ringbuffer"

// FrameReader accumulates raw socket reads into a ring buffer and hands
// back complete, length-delimited frames. AF_BLUETOOTH raw/control
// sockets normally preserve one kernel frame per Read, but nothing
// guarantees the kernel never coalesces or splits a delivery across
// Read calls, so callers feed every read through here instead of
// decoding it directly.
type FrameReader struct {
	rb      *ringbuffer.RingBuffer
	drain   []byte
	pending []byte
}

// NewFrameReader allocates a reader backed by a ring buffer of the
// given capacity. capacity should comfortably exceed the largest
// expected single frame.
func NewFrameReader(capacity int) *FrameReader {
	return &FrameReader{
		rb:    ringbuffer.New(capacity),
		drain: make([]byte, capacity),
	}
}

// Feed appends newly read bytes to the accumulator.
func (f *FrameReader) Feed(b []byte) error {
	if _, err := f.rb.Write(b); err != nil {
		return err
	}
	for !f.rb.IsEmpty() {
		n, err := f.rb.TryRead(f.drain)
		if n > 0 {
			f.pending = append(f.pending, f.drain[:n]...)
		}
		if err != nil {
			break
		}
	}
	return nil
}

// Next extracts one complete frame. frameLen inspects the bytes
// accumulated so far and reports the total frame length (header plus
// body) once it can be determined, or ok=false if more bytes are
// needed first. Next returns ok=false until frameLen agrees a full
// frame is buffered.
func (f *FrameReader) Next(frameLen func(buf []byte) (n int, ok bool)) ([]byte, bool) {
	total, ok := frameLen(f.pending)
	if !ok || len(f.pending) < total {
		return nil, false
	}
	frame := make([]byte, total)
	copy(frame, f.pending[:total])
	f.pending = f.pending[total:]
	return frame, true
}
