package relay

import "sync/atomic"

// Frame is one camera frame as received from the client.
type Frame struct {
	Data []byte
}

// FrameSlot holds the newest video frame. A Put always replaces the previous
// frame; it never queues. Take empties the slot.
//
// It has one producer (ingress) and one consumer (pacer) but is safe for any
// number of each.
type FrameSlot struct {
	cell atomic.Pointer[Frame]
}

// Put stores f and reports whether an unsent frame was replaced.
func (s *FrameSlot) Put(f Frame) bool {
	return s.cell.Swap(&f) != nil
}

// Take removes and returns the pending frame.
func (s *FrameSlot) Take() (Frame, bool) {
	p := s.cell.Swap(nil)
	if p == nil {
		return Frame{}, false
	}
	return *p, true
}

// Pending reports whether a frame is waiting.
func (s *FrameSlot) Pending() bool {
	return s.cell.Load() != nil
}
