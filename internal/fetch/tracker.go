package fetch

import "sync"

// RequestTracker hands out epochs for dispatches of one coordinator. Only the
// latest epoch can be current, and only while it has not been marked done.
type RequestTracker struct {
	sync.Mutex

	epoch  uint64
	active bool
}

func MakeRequestTracker() *RequestTracker {
	return &RequestTracker{}
}

// NewRequest supersedes whatever epoch was current and returns the new one.
func (t *RequestTracker) NewRequest() uint64 {
	t.Lock()
	defer t.Unlock()

	t.epoch++
	t.active = true

	return t.epoch
}

func (t *RequestTracker) IsCurrent(epoch uint64) bool {
	t.Lock()
	defer t.Unlock()

	return t.active && t.epoch == epoch
}

// RequestDone retires epoch. Retiring a stale epoch is a no-op.
func (t *RequestTracker) RequestDone(epoch uint64) {
	t.Lock()
	defer t.Unlock()

	if t.epoch == epoch {
		t.active = false
	}
}
