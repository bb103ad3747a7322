package live

import (
	"context"
	"sync"
)

// Holder owns the single live session slot.
type Holder struct {
	mu      sync.Mutex
	current *Session
}

// Open opens s and makes it current. It fails with ErrSessionActive while
// another session is connecting or open.
func (h *Holder) Open(ctx context.Context, s *Session) error {
	h.mu.Lock()
	if h.current != nil && !h.current.State().Terminal() {
		h.mu.Unlock()
		return ErrSessionActive
	}
	h.current = s
	h.mu.Unlock()

	return s.Open(ctx)
}

func (h *Holder) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Close closes the current session, if any, and empties the slot.
func (h *Holder) Close() {
	h.mu.Lock()
	s := h.current
	h.current = nil
	h.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
