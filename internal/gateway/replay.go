package gateway

import "sync"

// replayRing retains the most recent event_delivery frames so a freshly
// connected session can catch up on recent world activity. Oldest frames are
// overwritten once the ring is full.
type replayRing struct {
	mu    sync.Mutex
	buf   []OutboundFrame
	next  int
	count int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{buf: make([]OutboundFrame, capacity)}
}

func (r *replayRing) Record(frame OutboundFrame) {
	if len(r.buf) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = frame
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Snapshot returns retained frames oldest first.
func (r *replayRing) Snapshot() []OutboundFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	out := make([]OutboundFrame, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *replayRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
