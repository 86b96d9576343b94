package crawler

import "context"

// semaphore is a channel-based counting semaphore bounding concurrent
// provider calls during entity resolution.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

// acquire takes a slot, waiting until one frees or ctx ends.
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees a slot. Must follow a successful acquire.
func (s *semaphore) release() {
	select {
	case <-s.ch:
	default:
	}
}
