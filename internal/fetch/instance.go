package fetch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Outcome is a snapshot of an instance. Result is set only when Succeeded,
// Message and Err only when Failed.
type Outcome struct {
	State   State
	Result  any
	Message string
	Err     *FetchError
}

// Instance is one dispatch of a description by a Coordinator.
type Instance struct {
	ID          string
	Description datatypes.RequestDescription

	epoch     uint64
	cancel    context.CancelFunc
	callbacks Callbacks
	logger    zerolog.Logger

	mu        sync.Mutex
	state     State
	result    any
	err       *FetchError
	delivered bool
	silenced  bool
	done      chan struct{}
	closeOnce sync.Once
}

func newInstance(d datatypes.RequestDescription, epoch uint64, cancel context.CancelFunc, callbacks Callbacks, logger zerolog.Logger) *Instance {
	id := uuid.NewString()

	return &Instance{
		ID:          id,
		Description: d,
		epoch:       epoch,
		cancel:      cancel,
		callbacks:   callbacks,
		logger:      logger.With().Str("instance", id).Logger(),
		state:       StateLoading,
		done:        make(chan struct{}),
	}
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

func (i *Instance) Outcome() Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()

	o := Outcome{State: i.state, Result: i.result, Err: i.err}
	if i.err != nil {
		o.Message = i.err.Error()
	}

	return o
}

// Done is closed once the instance has delivered its last callback or was cancelled.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-i.done:
		return i.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (i *Instance) succeed(result any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = StateSucceeded
	i.result = result
}

func (i *Instance) fail(err *FetchError) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = StateFailed
	i.err = err
}

func (i *Instance) markDelivered() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.delivered = true
}

// closing reports whether the outcome was delivered and the closing
// OnLoading(false) is still owed.
func (i *Instance) closing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.delivered && !i.silenced
}

// abandon moves the instance to Cancelled unless its outcome already reached
// the caller, and aborts the transport call. With silence set no further
// callback fires; otherwise an owed OnLoading(false) still does, and Done
// closes after it.
func (i *Instance) abandon(silence bool) bool {
	i.mu.Lock()
	if silence {
		i.silenced = true
	}

	changed := !i.delivered && i.state != StateCancelled
	if changed {
		i.state = StateCancelled
		i.result = nil
		i.err = nil
	}

	owed := i.delivered && !i.silenced
	i.mu.Unlock()

	i.cancel()

	if !owed {
		i.finish()
	}

	return changed
}

func (i *Instance) finish() {
	i.closeOnce.Do(func() { close(i.done) })
}
