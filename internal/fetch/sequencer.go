package fetch

import "sync"

type delivery struct {
	// admit decides, when the delivery reaches the front, whether fn still runs.
	admit func() bool
	fn    func()
	after func()
}

// Sequencer runs callbacks one at a time in the order they were queued, from a
// goroutine that exits once the queue is empty. Coordinators sharing a
// Sequencer never interleave their callbacks. The zero value is ready to use.
type Sequencer struct {
	mu      sync.Mutex
	pending []delivery
	running bool
}

func NewSequencer() *Sequencer {
	return &Sequencer{}
}

func (s *Sequencer) enqueue(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, d)

	if !s.running {
		s.running = true
		go s.run()
	}
}

func (s *Sequencer) run() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()

			return
		}

		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if !d.admit() {
			continue
		}

		d.fn()

		if d.after != nil {
			d.after()
		}
	}
}
