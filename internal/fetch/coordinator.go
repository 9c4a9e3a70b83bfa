package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Callbacks receive the lifecycle of a dispatch: OnLoading(true), then exactly
// one of OnSuccess or OnError, then OnLoading(false). Nil callbacks are skipped.
//
// Callbacks run on the coordinator's delivery goroutine, not on the caller's.
// When Start returns the instance is already Loading and OnLoading(true) is
// queued ahead of every other callback of that instance, but it may not have
// run yet.
type Callbacks struct {
	OnSuccess func(result any)
	OnError   func(message string)
	OnLoading func(loading bool)
}

type step int

const (
	stepLoading step = iota
	stepTerminal
	stepFinal
)

// Coordinator serves one call site. It runs one description at a time; starting
// another one supersedes the current dispatch, whose outcome is then dropped.
//
// Callbacks are invoked one at a time, in order, through the coordinator's
// Sequencer. They may call back into the coordinator.
type Coordinator struct {
	mu        sync.Mutex
	cfg       *config.Config
	transport Transport
	metrics   *Metrics
	tracker   *RequestTracker
	seq       *Sequencer
	callbacks Callbacks
	current   *Instance
}

func NewCoordinator(cfg *config.Config, transport Transport, metrics *Metrics) *Coordinator {
	return NewCoordinatorWithSequencer(cfg, transport, metrics, NewSequencer())
}

// NewCoordinatorWithSequencer delivers callbacks through seq, so that they are
// ordered with those of every other coordinator using seq.
func NewCoordinatorWithSequencer(cfg *config.Config, transport Transport, metrics *Metrics, seq *Sequencer) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		tracker:   MakeRequestTracker(),
		seq:       seq,
	}
}

// Start binds callbacks and dispatches d, superseding any dispatch in flight.
// An invalid description is rejected with a *FetchError before any callback fires.
func (c *Coordinator) Start(ctx context.Context, d datatypes.RequestDescription, callbacks Callbacks) (*Instance, error) {
	d, err := c.validate(ctx, d)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.callbacks = callbacks

	return c.launchLocked(ctx, d), nil
}

// Supersede dispatches d with the callbacks bound by Start, unless d is the
// description already being served.
func (c *Coordinator) Supersede(ctx context.Context, d datatypes.RequestDescription) (*Instance, error) {
	d, err := c.validate(ctx, d)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, ErrNotStarted
	}

	if c.current.Description.Equal(d) && c.current.State() != StateCancelled {
		return c.current, nil
	}

	return c.launchLocked(ctx, d), nil
}

// Cancel drops the current dispatch. No callback fires for it afterwards.
func (c *Coordinator) Cancel() {
	c.drop(true, "Request cancelled")
}

// Abandon drops the current dispatch the way a newer request does: an outcome
// not yet delivered is suppressed, but a dispatch whose outcome already reached
// the callbacks still gets its OnLoading(false).
func (c *Coordinator) Abandon() {
	c.drop(false, "Request superseded")
}

func (c *Coordinator) drop(silence bool, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}

	c.tracker.RequestDone(c.current.epoch)

	if c.current.abandon(silence) {
		c.current.logger.Debug().Msg(msg)
	}
}

// Current returns the instance last started, if any.
func (c *Coordinator) Current() *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

func (c *Coordinator) State() State {
	if inst := c.Current(); inst != nil {
		return inst.State()
	}

	return StateIdle
}

func (c *Coordinator) validate(ctx context.Context, d datatypes.RequestDescription) (datatypes.RequestDescription, error) {
	valid, err := d.Validate()
	if err != nil {
		fe := Classify(err)
		c.metrics.Observe(d.Method, fe.Kind.String(), 0)
		zerolog.Ctx(ctx).Error().Err(err).Str("endpoint", d.Endpoint).Msg("Rejected request")

		return d, fe
	}

	return valid, nil
}

func (c *Coordinator) launchLocked(ctx context.Context, d datatypes.RequestDescription) *Instance {
	if prev := c.current; prev != nil && prev.abandon(false) {
		prev.logger.Debug().Msg("Request superseded")
	}

	epoch := c.tracker.NewRequest()
	dispatchCtx, cancel := context.WithCancel(ctx)

	logger := zerolog.Ctx(ctx).With().
		Str("method", string(d.Method)).
		Str("endpoint", d.Endpoint).
		Logger()

	inst := newInstance(d, epoch, cancel, c.callbacks, logger)
	c.current = inst

	cb := inst.callbacks
	c.enqueueLocked(inst, stepLoading, func() {
		if cb.OnLoading != nil {
			cb.OnLoading(true)
		}
	})

	go c.dispatch(inst.logger.WithContext(dispatchCtx), inst)

	return inst
}

func (c *Coordinator) dispatch(ctx context.Context, inst *Instance) {
	defer inst.cancel()

	started := time.Now()
	inst.logger.Debug().Msg("Dispatching request")

	result, fe := c.execute(ctx, inst.Description)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracker.IsCurrent(inst.epoch) || inst.State() != StateLoading {
		inst.logger.Trace().Msg("Discarding outcome of dropped request")
		c.metrics.Observe(inst.Description.Method, OutcomeCancelled, time.Since(started))

		return
	}

	if ctx.Err() != nil {
		// The caller's context ended, which is a teardown.
		c.tracker.RequestDone(inst.epoch)
		inst.abandon(true)
		inst.logger.Debug().Msg("Request context ended")
		c.metrics.Observe(inst.Description.Method, OutcomeCancelled, time.Since(started))

		return
	}

	cb := inst.callbacks

	if fe != nil {
		inst.fail(fe)
		inst.logger.Warn().Err(fe.Unwrap()).Str("kind", fe.Kind.String()).Int("status", fe.Status).Msg(fe.Error())
		c.metrics.Observe(inst.Description.Method, fe.Kind.String(), time.Since(started))

		message := fe.Error()
		c.enqueueLocked(inst, stepTerminal, func() {
			if cb.OnError != nil {
				cb.OnError(message)
			}
		})
	} else {
		inst.succeed(result)
		inst.logger.Debug().Dur("elapsed", time.Since(started)).Msg("Request succeeded")
		c.metrics.Observe(inst.Description.Method, OutcomeSuccess, time.Since(started))

		c.enqueueLocked(inst, stepTerminal, func() {
			if cb.OnSuccess != nil {
				cb.OnSuccess(result)
			}
		})
	}

	c.enqueueLocked(inst, stepFinal, func() {
		if cb.OnLoading != nil {
			cb.OnLoading(false)
		}
	})
}

func (c *Coordinator) execute(ctx context.Context, d datatypes.RequestDescription) (any, *FetchError) {
	req, err := NewRequest(c.cfg.BaseURL, d, c.cfg.Timeout())
	if err != nil {
		return nil, &FetchError{Kind: KindUnexpected, Err: err}
	}

	res, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, Classify(err)
	}

	return c.interpret(res)
}

// interpret turns a response into a result. Non-2xx statuses and an explicit
// falsy "success" field are server errors; a body without "success" is a success.
func (c *Coordinator) interpret(res *Response) (any, *FetchError) {
	parsed := gjson.ParseBytes(res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, serverError(res.StatusCode, serverMessage(parsed, ""))
	}

	if len(bytes.TrimSpace(res.Body)) == 0 {
		return nil, nil
	}

	if !gjson.ValidBytes(res.Body) {
		return nil, &FetchError{Kind: KindUnexpected, Err: errors.New("response body is not JSON")}
	}

	if parsed.IsObject() {
		if success := parsed.Get("success"); success.Exists() && !truthy(success) {
			return nil, serverError(res.StatusCode, serverMessage(parsed, MessageLogicalFailed))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(res.Body))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, &FetchError{Kind: KindUnexpected, Err: fmt.Errorf("decode response: %w", err)}
	}

	if c.cfg.RewriteImages {
		body = NormalizeImages(body, c.cfg.ImagePrefix())
	}

	return body, nil
}

func serverMessage(body gjson.Result, fallback string) string {
	if !body.IsObject() {
		return fallback
	}

	if msg := body.Get("message"); msg.Type == gjson.String && msg.Str != "" {
		return msg.Str
	}

	return fallback
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.False, gjson.Null:
		return false
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		return v.Str != ""
	default:
		return true
	}
}

func (c *Coordinator) enqueueLocked(inst *Instance, s step, fn func()) {
	d := delivery{
		admit: func() bool { return c.admit(inst, s) },
		fn:    fn,
	}

	if s == stepFinal {
		d.after = inst.finish
	}

	c.seq.enqueue(d)
}

// admit reports whether a queued callback of inst may still run. Callbacks of
// a dispatch that is no longer current are dropped, except the closing
// OnLoading(false) of one whose outcome was delivered before it was superseded.
func (c *Coordinator) admit(inst *Instance, s step) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.tracker.IsCurrent(inst.epoch)

	switch s {
	case stepTerminal:
		if live {
			inst.markDelivered()
		}
	case stepFinal:
		if !live {
			live = inst.closing()
		}

		if live {
			c.tracker.RequestDone(inst.epoch)
		}
	}

	if !live {
		inst.logger.Trace().Int("step", int(s)).Msg("Suppressed callback")
	}

	return live
}
