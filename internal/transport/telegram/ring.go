package telegram

import (
	"sync"

	"advisorbot/internal/transport"
)

// ring is a fixed-size window of observed chats.
type ring struct {
	mu   sync.Mutex
	buf  []transport.Event
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]transport.Event, n)} }

func (r *ring) add(e transport.Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// last returns up to n events, oldest first.
func (r *ring) last(n int) []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]transport.Event, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.next-n+i+len(r.buf))%len(r.buf)]
	}
	return out
}
