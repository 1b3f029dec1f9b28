package collector

import (
	"sync"

	"github.com/skobkin/gpumon/internal/record"
)

type subscriber struct {
	ch     chan record.Tick
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan record.Tick, 1),
	}
}

func (s *subscriber) channel() <-chan record.Tick {
	return s.ch
}

// send keeps only the newest tick for slow readers.
func (s *subscriber) send(tick record.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- tick:
		return
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- tick:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
