package queue

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/behrlich/go-bmservice/internal/constants"
	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// StopAll retires every pipeline in a pool, as opposed to a single
// device index (spec.md §4.4 "stop([i])").
const StopAll = -1

// ContextInitializer constructs the per-pipeline Context for slot i. A
// non-nil error marks that slot absent; the rest of the pool continues
// (spec.md §4.4).
type ContextInitializer[Ctx any] func(i int) (Ctx, error)

// ContextDeinitializer releases the Context for slot i during teardown.
type ContextDeinitializer[Ctx any] func(i int, ctx Ctx)

// PipelinePool instantiates K parallel copies of the same pipeline
// topology, fanning in from one shared input queue and fanning out to
// one shared output queue (spec.md §4.4).
type PipelinePool[In, Out, Ctx any] struct {
	Name string

	mu        sync.Mutex
	pipelines []*Pipeline[In, Out, Ctx] // nil slot: context init failed for that index
	deinit    ContextDeinitializer[Ctx]
	k         int
	built     bool // at least one AddStage call has succeeded
	started   bool

	inputQueue  *BoundedQueue[In]
	outputQueue *BoundedQueue[Out]

	logger   interfaces.Logger
	observer interfaces.Observer
}

// NewPipelinePool constructs k pipelines, each with context
// contextInit(i). If a slot's initializer fails, that slot is recorded
// absent and the rest of the pool continues (spec.md §4.4); the
// aggregated errors are returned via hashicorp/go-multierror so a caller
// can inspect every failure, not just the first.
func NewPipelinePool[In, Out, Ctx any](
	k int,
	name string,
	inputBurst int,
	contextInit ContextInitializer[Ctx],
	contextDeinit ContextDeinitializer[Ctx],
) (*PipelinePool[In, Out, Ctx], error) {
	if inputBurst <= 0 {
		inputBurst = constants.DefaultInputQueueBurst
	}

	pool := &PipelinePool[In, Out, Ctx]{
		Name:        name,
		k:           k,
		deinit:      contextDeinit,
		inputQueue:  NewBoundedQueue[In](k * inputBurst),
		outputQueue: NewBoundedQueue[Out](0),
	}

	var errs *multierror.Error
	for i := 0; i < k; i++ {
		ctx, err := contextInit(i)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: context init: %w", i, err))
			pool.pipelines = append(pool.pipelines, nil)
			continue
		}
		p := NewPipeline[In, Out, Ctx](ctx, fmt.Sprintf("%s-%d", name, i))
		p.SetDeviceID(uint32(i))
		if err := p.SetInputQueue(pool.inputQueue); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", i, err))
			if contextDeinit != nil {
				contextDeinit(i, ctx)
			}
			pool.pipelines = append(pool.pipelines, nil)
			continue
		}
		pool.pipelines = append(pool.pipelines, p)
	}

	return pool, errs.ErrorOrNil()
}

// SetObserver/SetLogger propagate to every live pipeline. Call before
// AddPoolStage so stages pick them up.
func (pool *PipelinePool[In, Out, Ctx]) SetObserver(o interfaces.Observer) {
	pool.observer = o
	for _, p := range pool.pipelines {
		if p != nil {
			p.SetObserver(o)
		}
	}
}

func (pool *PipelinePool[In, Out, Ctx]) SetLogger(l interfaces.Logger) {
	pool.logger = l
	for _, p := range pool.pipelines {
		if p != nil {
			p.SetLogger(l)
		}
	}
}

// SetCPUAffinity pins every live pipeline's stages (added after this
// call) to the given CPU list, each pipeline's stages round-robining by
// its own device id, which for a pool member is its slot index i. Call
// before AddPoolStage.
func (pool *PipelinePool[In, Out, Ctx]) SetCPUAffinity(cpus []int) {
	for _, p := range pool.pipelines {
		if p != nil {
			p.SetCPUAffinity(cpus)
		}
	}
}

// AddPoolStage appends the same stage topology to every live pipeline
// (spec.md §4.4 "add_stage(func, out_resource_init)"). outResourcesFor
// is invoked per pipeline index so callers can size resource queues
// per-device if needed; it may return nil for "no resource queue".
func AddPoolStage[In, Out, Ctx, NodeIn, NodeOut any](
	pool *PipelinePool[In, Out, Ctx],
	name string,
	fn StageFunc[NodeIn, NodeOut, Ctx],
	outResourcesFor func(i int) []NodeOut,
) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.started {
		return newConfigError("add_stage", "pool %q already started", pool.Name)
	}

	var errs *multierror.Error
	for i, p := range pool.pipelines {
		if p == nil {
			continue
		}
		var resources []NodeOut
		if outResourcesFor != nil {
			resources = outResourcesFor(i)
		}
		if err := AddStage[In, Out, Ctx, NodeIn, NodeOut](p, name, fn, resources); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", i, err))
		}
	}
	pool.built = true
	return errs.ErrorOrNil()
}

// Start wires every live pipeline's final stage into the pool's shared
// output queue, then starts each one (spec.md §4.4).
func (pool *PipelinePool[In, Out, Ctx]) Start() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if !pool.built {
		return newConfigError("start", "pool %q has no stages configured", pool.Name)
	}
	if pool.started {
		return newConfigError("start", "pool %q already started", pool.Name)
	}

	var errs *multierror.Error
	for i, p := range pool.pipelines {
		if p == nil {
			continue
		}
		if err := p.SetOutputQueue(pool.outputQueue); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", i, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		return errs.ErrorOrNil()
	}

	for i, p := range pool.pipelines {
		if p == nil {
			continue
		}
		if err := p.Start(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", i, err))
		}
	}
	pool.started = true
	return errs.ErrorOrNil()
}

// Stop retires pipeline i (or every pipeline, when i is StopAll) without
// tearing down the rest of the pool (spec.md §7 "runner-level stop on
// device id").
func (pool *PipelinePool[In, Out, Ctx]) Stop(i int) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if i == StopAll {
		var errs *multierror.Error
		for idx, p := range pool.pipelines {
			if p == nil {
				continue
			}
			if p.State() != StateRunning {
				continue
			}
			if err := p.Stop(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", idx, err))
			}
		}
		return errs.ErrorOrNil()
	}

	if i < 0 || i >= len(pool.pipelines) {
		return fmt.Errorf("pipeline index %d out of range [0,%d)", i, len(pool.pipelines))
	}
	p := pool.pipelines[i]
	if p == nil || p.State() != StateRunning {
		return nil
	}
	return p.Stop()
}

// Join performs a graceful, pool-wide shutdown: every live pipeline
// drains its share of the already-joined shared input queue, then the
// shared output queue itself is joined once all producers are done.
func (pool *PipelinePool[In, Out, Ctx]) Join() error {
	pool.mu.Lock()
	pipelines := append([]*Pipeline[In, Out, Ctx](nil), pool.pipelines...)
	pool.mu.Unlock()

	var errs *multierror.Error
	for i, p := range pipelines {
		if p == nil || p.State() != StateRunning {
			continue
		}
		if err := p.Join(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pipeline %d: %w", i, err))
		}
	}
	pool.outputQueue.Join()
	return errs.ErrorOrNil()
}

// CanPush reports whether a push to the shared input queue would
// proceed without blocking.
func (pool *PipelinePool[In, Out, Ctx]) CanPush() bool { return pool.inputQueue.CanPush() }

// Push enqueues v on the shared input queue, blocking under backpressure
// (spec.md §4.4's capacity k·B).
func (pool *PipelinePool[In, Out, Ctx]) Push(v In) {
	pool.inputQueue.Push(v)
	if pool.observer != nil {
		pool.observer.ObserveQueueDepth(pool.Name+"-input", pool.inputQueue.Len())
	}
}

// TryPop and WaitAndPop read from the shared output queue.
func (pool *PipelinePool[In, Out, Ctx]) TryPop() (Out, bool) {
	v, ok := pool.outputQueue.TryPop()
	if pool.observer != nil {
		pool.observer.ObserveQueueDepth(pool.Name+"-output", pool.outputQueue.Len())
	}
	return v, ok
}
func (pool *PipelinePool[In, Out, Ctx]) WaitAndPop() (Out, bool) {
	v, ok := pool.outputQueue.WaitAndPop()
	if pool.observer != nil {
		pool.observer.ObserveQueueDepth(pool.Name+"-output", pool.outputQueue.Len())
	}
	return v, ok
}

// Empty reports whether the pool currently holds no queued work on
// either the shared input or shared output queue.
func (pool *PipelinePool[In, Out, Ctx]) Empty() bool {
	return pool.inputQueue.IsEmpty() && pool.outputQueue.IsEmpty()
}

// AllStopped reports whether every live pipeline has fully stopped.
func (pool *PipelinePool[In, Out, Ctx]) AllStopped() bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, p := range pool.pipelines {
		if p == nil {
			continue
		}
		if p.State() != StateStopped {
			return false
		}
	}
	return true
}

// DeviceNum returns the number of pipeline slots the pool was
// constructed with, including any that failed their context initializer.
func (pool *PipelinePool[In, Out, Ctx]) DeviceNum() int { return pool.k }

// GetPipelineContext returns the Context for slot i, or ok=false if that
// slot's context initializer failed.
func (pool *PipelinePool[In, Out, Ctx]) GetPipelineContext(i int) (ctx Ctx, ok bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if i < 0 || i >= len(pool.pipelines) || pool.pipelines[i] == nil {
		var zero Ctx
		return zero, false
	}
	return pool.pipelines[i].Context(), true
}
