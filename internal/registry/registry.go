package registry

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rb3ckers/storefetch/internal/fetch"
	"github.com/rs/zerolog"
)

// Registry tracks the coordinators of each call site. With single-flight on,
// starting a request at a site supersedes whatever that site was running before.
// Coordinators of one site share a Sequencer, so their callbacks never interleave.
type Registry struct {
	config    *config.Config
	transport fetch.Transport
	metrics   *fetch.Metrics
	sites     cmap.ConcurrentMap[string, *site]
}

type site struct {
	seq          *fetch.Sequencer
	coordinators []*fetch.Coordinator
}

func NewRegistry(config *config.Config, transport fetch.Transport, metrics *fetch.Metrics) *Registry {
	return &Registry{
		config:    config,
		transport: transport,
		metrics:   metrics,
		sites:     cmap.New[*site](),
	}
}

// Start dispatches d from a new coordinator registered at the call site name.
func (r *Registry) Start(ctx context.Context, name string, d datatypes.RequestDescription, callbacks fetch.Callbacks) (*fetch.Coordinator, *fetch.Instance, error) {
	if _, err := d.Validate(); err != nil {
		return nil, nil, fetch.Classify(err)
	}

	logger := zerolog.Ctx(ctx).With().Str("site", name).Logger()
	ctx = logger.WithContext(ctx)

	var (
		coordinator *fetch.Coordinator
		inst        *fetch.Instance
		startErr    error
	)

	// Runs under the site's lock, so no two coordinators can both be current.
	r.sites.Upsert(name, nil, func(exist bool, existing *site, _ *site) *site {
		if !exist || existing == nil {
			existing = &site{seq: fetch.NewSequencer()}
		}

		var kept []*fetch.Coordinator

		for _, c := range existing.coordinators {
			switch {
			case r.config.SingleFlight:
				c.Abandon()
			case !finished(c):
				kept = append(kept, c)
			}
		}

		if r.config.SingleFlight && len(existing.coordinators) > 0 {
			logger.Debug().Int("superseded", len(existing.coordinators)).Msg("Superseding previous requests at call site")
		}

		coordinator = fetch.NewCoordinatorWithSequencer(r.config, r.transport, r.metrics, existing.seq)

		inst, startErr = coordinator.Start(ctx, d, callbacks)
		if startErr == nil {
			kept = append(kept, coordinator)
		}

		return &site{seq: existing.seq, coordinators: kept}
	})

	if startErr != nil {
		return nil, nil, startErr
	}

	return coordinator, inst, nil
}

// Supersede re-targets the latest coordinator at name to d.
func (r *Registry) Supersede(ctx context.Context, name string, d datatypes.RequestDescription) (*fetch.Instance, error) {
	c, ok := r.Current(name)
	if !ok {
		return nil, fetch.ErrNotStarted
	}

	return c.Supersede(ctx, d)
}

// Current returns the most recently started coordinator at name.
func (r *Registry) Current(name string) (*fetch.Coordinator, bool) {
	s, ok := r.sites.Get(name)
	if !ok || len(s.coordinators) == 0 {
		return nil, false
	}

	return s.coordinators[len(s.coordinators)-1], true
}

// Cancel tears down every coordinator at name.
func (r *Registry) Cancel(name string) {
	s, ok := r.sites.Pop(name)
	if !ok {
		return
	}

	for _, c := range s.coordinators {
		c.Cancel()
	}
}

// Release cancels c and forgets it.
func (r *Registry) Release(name string, c *fetch.Coordinator) {
	c.Cancel()

	r.sites.Upsert(name, nil, func(exist bool, existing *site, _ *site) *site {
		if !exist || existing == nil {
			return &site{seq: fetch.NewSequencer()}
		}

		var kept []*fetch.Coordinator

		for _, other := range existing.coordinators {
			if other != c {
				kept = append(kept, other)
			}
		}

		return &site{seq: existing.seq, coordinators: kept}
	})

	r.sites.RemoveCb(name, func(_ string, v *site, exists bool) bool {
		return exists && len(v.coordinators) == 0
	})
}

// Sites lists the call sites that have registered coordinators.
func (r *Registry) Sites() []string {
	return r.sites.Keys()
}

// Close cancels everything.
func (r *Registry) Close() {
	for _, name := range r.sites.Keys() {
		r.Cancel(name)
	}
}

func finished(c *fetch.Coordinator) bool {
	inst := c.Current()
	if inst == nil {
		return true
	}

	select {
	case <-inst.Done():
		return true
	default:
		return false
	}
}
