package stream

import (
	"context"
	"errors"
	"sync"
)

var errHubClosed = errors.New("stream stopped")

// frameHub holds the latest JPEG and wakes every viewer when a new one is
// published. Viewers that fall behind skip frames instead of queueing them.
type frameHub struct {
	mu     sync.Mutex
	frame  []byte
	seq    uint64
	notify chan struct{}
	closed bool
}

func newFrameHub() *frameHub {
	return &frameHub{notify: make(chan struct{})}
}

func (h *frameHub) publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.frame = frame
	h.seq++
	close(h.notify)
	h.notify = make(chan struct{})
}

// next blocks until a frame newer than after is available.
func (h *frameHub) next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, after, errHubClosed
		}
		if h.seq > after && h.frame != nil {
			frame, seq := h.frame, h.seq
			h.mu.Unlock()
			return frame, seq, nil
		}
		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, after, ctx.Err()
		}
	}
}

func (h *frameHub) latest() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.frame != nil && !h.closed
}

func (h *frameHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
}
