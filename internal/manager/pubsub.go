package manager

import (
	"sync"

	"github.com/cwygoda/snatcher/internal/domain"
)

// subscriber decouples a slow event consumer from the manager: pushes
// append to an ordered queue drained by a dedicated goroutine, so
// publishing never blocks a state transition.
type subscriber struct {
	mu    sync.Mutex
	queue []domain.Event
	wake  chan struct{}
	out   chan domain.Event
	quit  chan struct{}
	once  sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan domain.Event),
		quit: make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *subscriber) push(ev domain.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}
