package capture

import (
	"context"
	"sync"
)

// ChanSource is a Source fed by Push. Producers that decode audio on their
// own goroutines (Discord, tests) hand finished chunks to it.
type ChanSource struct {
	ch        chan Chunk
	closed    chan struct{}
	closeOnce sync.Once
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan Chunk, buffer), closed: make(chan struct{})}
}

// Push queues c, blocking while the buffer is full. It reports false once
// the source is closed.
func (s *ChanSource) Push(ctx context.Context, c Chunk) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- c:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *ChanSource) Next(ctx context.Context) (Chunk, error) {
	// queued chunks are drained before the close is observed
	select {
	case c := <-s.ch:
		return c, nil
	default:
	}
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.closed:
		return Chunk{}, ErrClosed
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
