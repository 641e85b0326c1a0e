package queue

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// PipelineState is the one-way lifecycle of a Pipeline (spec.md §4.3).
type PipelineState int32

const (
	StateConstructed PipelineState = iota
	StateConfigured
	StateRunning
	StateStopping
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateConfigured:
		return "Configured"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// waker is broadcast to, not joined, on cancellation — see
// BoundedQueue.WaitAndPopCancelable for why cancellation must not use Join on queues a
// PipelinePool shares across pipelines.
type waker interface{ Wake() }

// stageRunner lets the Pipeline hold stages of different intermediate
// types in one slice: every *Stage[In,Out,Ctx] satisfies this with its
// run method. setOutWork lets PipelinePool redirect the final stage's
// output onto the pool's shared output queue without the Pipeline
// needing to know the final stage's concrete NodeOut type parameter.
type stageRunner interface {
	run(wg *sync.WaitGroup)
	setOutWork(q any) bool
}

// Pipeline composes N sequentially linked Stages sharing one Context
// (spec.md §4.3). The type parameters fix the pipeline's overall input
// and output types; intermediate stage types are checked when AddStage
// is called, per the builder pattern spec.md §9 recommends in place of
// the source's runtime dynamic_cast wiring checks.
type Pipeline[In, Out, Ctx any] struct {
	Name string
	ctx  Ctx

	mu    sync.Mutex
	state PipelineState

	inputQueue  *BoundedQueue[In]
	outputQueue *BoundedQueue[Out]

	// lastOutWork/lastOutResource track the tail of the stage chain as
	// it is built, boxed as `any` so AddStage's generic NodeIn/NodeOut
	// parameters can assert against them. Never boxed as a nil typed
	// pointer: lastOutResource is left as a true nil interface when the
	// most recently added stage has no resource queue.
	lastOutWork     any
	lastOutResource any

	finalOutWork     any
	finalHasResource bool

	stages []stageRunner
	wakers []waker

	// externalOutputQueue is true once SetOutputQueue redirected the
	// final stage's output onto a queue this Pipeline doesn't own (the
	// PipelinePool's shared output queue). Join() must not join a queue
	// it doesn't own.
	externalOutputQueue bool

	done atomic.Bool
	wg   sync.WaitGroup

	logger      interfaces.Logger
	observer    interfaces.Observer
	deviceID    uint32
	cpuAffinity []int

	// onFatal, if set, is invoked once from the first stage to hit a
	// fatal error. PipelinePool uses this to know a pipeline retired
	// itself without tearing down its siblings (spec.md §7).
	onFatal func(err error)
}

// NewPipeline creates an empty pipeline with a fresh input queue bound
// to ctx (spec.md §4.3 "new(context, name)").
func NewPipeline[In, Out, Ctx any](ctx Ctx, name string) *Pipeline[In, Out, Ctx] {
	inputQueue := NewBoundedQueue[In](0)
	p := &Pipeline[In, Out, Ctx]{
		Name:       name,
		ctx:        ctx,
		state:      StateConstructed,
		inputQueue: inputQueue,
	}
	p.lastOutWork = inputQueue
	p.wakers = append(p.wakers, inputQueue)
	return p
}

// SetInputQueue replaces the default input queue. Only valid before any
// stage has been added (spec.md §4.3). PipelinePool uses this to point
// every member pipeline's first stage at one shared input queue.
func (p *Pipeline[In, Out, Ctx]) SetInputQueue(q *BoundedQueue[In]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stages) != 0 || p.state != StateConstructed {
		return newConfigError("set_input_queue", "must be called before any stage is added")
	}
	p.wakers[0] = q
	p.inputQueue = q
	p.lastOutWork = q
	return nil
}

// SetOutputQueue redirects the final configured stage's output onto q
// instead of the queue AddStage created for it. Only valid after at
// least one stage has been added and before Start. PipelinePool uses
// this to fan every member pipeline's last stage into one shared output
// queue (spec.md §4.4).
func (p *Pipeline[In, Out, Ctx]) SetOutputQueue(q *BoundedQueue[Out]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConfigured {
		return newConfigError("set_output_queue", "must be called after add_stage and before start")
	}
	if p.finalHasResource {
		return newConfigError("set_output_queue", "final stage owns a resource queue and cannot be redirected")
	}
	last := p.stages[len(p.stages)-1]
	if !last.setOutWork(q) {
		return newConfigError("set_output_queue", "output queue type does not match the final stage's output type")
	}
	p.finalOutWork = q
	p.externalOutputQueue = true
	p.wakers = append(p.wakers, q)
	return nil
}

// Context returns the pipeline's per-pipeline context value.
func (p *Pipeline[In, Out, Ctx]) Context() Ctx { return p.ctx }

// State returns the current lifecycle state.
func (p *Pipeline[In, Out, Ctx]) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetObserver attaches a metrics observer used by every stage added
// after this call.
func (p *Pipeline[In, Out, Ctx]) SetObserver(o interfaces.Observer) { p.observer = o }

// SetLogger attaches a logger used by every stage added after this call.
func (p *Pipeline[In, Out, Ctx]) SetLogger(l interfaces.Logger) { p.logger = l }

// SetDeviceID tags every stage's observer calls with a device id.
func (p *Pipeline[In, Out, Ctx]) SetDeviceID(id uint32) { p.deviceID = id }

// SetCPUAffinity pins every stage added after this call to one CPU from
// cpus, chosen round-robin by device id. Nil disables pinning.
func (p *Pipeline[In, Out, Ctx]) SetCPUAffinity(cpus []int) { p.cpuAffinity = cpus }

// SetOnFatal installs a callback invoked once when any stage escalates a
// fatal error.
func (p *Pipeline[In, Out, Ctx]) SetOnFatal(f func(err error)) { p.onFatal = f }

func (p *Pipeline[In, Out, Ctx]) fireFatal(err error) {
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

// AddStage appends a stage to pipeline p. NodeIn must match the type of
// the current tail (the pipeline's input type for the first stage, or
// the previous stage's Out type); a mismatch is a ConfigError raised
// synchronously, matching spec.md §4.3's "fatal configuration error
// raised synchronously from add_stage". outResources, if non-empty,
// prefills a resource queue of that size for this stage's output
// buffers (spec.md §4.3, default size governed by spec.md §9 — callers
// decide, nothing here hard-codes 2).
func AddStage[In, Out, Ctx, NodeIn, NodeOut any](
	p *Pipeline[In, Out, Ctx],
	name string,
	fn StageFunc[NodeIn, NodeOut, Ctx],
	outResources []NodeOut,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConstructed && p.state != StateConfigured {
		return newConfigError("add_stage", "pipeline %q is not accepting new stages (state=%s)", p.Name, p.state)
	}

	inWork, ok := p.lastOutWork.(*BoundedQueue[NodeIn])
	if !ok {
		return newConfigError("add_stage", "stage %q input type does not match the previous stage's output type", name)
	}

	var inResource *BoundedQueue[NodeIn]
	if p.lastOutResource != nil {
		inResource, ok = p.lastOutResource.(*BoundedQueue[NodeIn])
		if !ok {
			return newConfigError("add_stage", "stage %q input type does not match the previous stage's resource type", name)
		}
	}

	outWork := NewBoundedQueue[NodeOut](0)

	var outResource *BoundedQueue[NodeOut]
	if len(outResources) > 0 {
		outResource = NewBoundedQueue[NodeOut](len(outResources))
		for _, r := range outResources {
			outResource.Push(r)
		}
	}

	stage := &Stage[NodeIn, NodeOut, Ctx]{
		Name:        name,
		ctx:         p.ctx,
		fn:          fn,
		inWork:      inWork,
		inResource:  inResource,
		outResource: outResource,
		outWork:     outWork,
		newOut:      func() NodeOut { var zero NodeOut; return zero },
		done:        &p.done,
		fatal:       p.fireFatal,
		logger:      p.logger,
		observer:    p.observer,
		deviceID:    p.deviceID,
		cpuAffinity: p.cpuAffinity,
	}

	p.stages = append(p.stages, stage)
	p.wakers = append(p.wakers, outWork)
	if outResource != nil {
		p.wakers = append(p.wakers, outResource)
	}

	p.lastOutWork = outWork
	if outResource != nil {
		p.lastOutResource = outResource
	} else {
		p.lastOutResource = nil
	}

	p.finalOutWork = outWork
	p.finalHasResource = outResource != nil
	p.state = StateConfigured
	return nil
}

// Start validates that the final stage produces the pipeline's declared
// output type and owns no resource queue, then spawns one goroutine per
// stage (spec.md §4.3).
func (p *Pipeline[In, Out, Ctx]) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConfigured {
		return newConfigError("start", "pipeline %q has no stages configured", p.Name)
	}
	if p.finalHasResource {
		return newConfigError("start", "pipeline %q final stage must not own an output resource queue", p.Name)
	}
	outputQueue, ok := p.finalOutWork.(*BoundedQueue[Out])
	if !ok {
		return newConfigError("start", "pipeline %q final stage output type does not match the declared pipeline output type", p.Name)
	}
	p.outputQueue = outputQueue

	p.wg.Add(len(p.stages))
	for _, s := range p.stages {
		go s.run(&p.wg)
	}
	p.state = StateRunning
	return nil
}

// Stop cancels the pipeline immediately: done is raised and every queue
// in the chain is woken (not joined — a PipelinePool member's input and
// output queues may be shared with sibling pipelines, and Join would
// wrongly terminate those too) so stage goroutines blocked at either
// suspension point (spec.md §5) observe done and exit, then waits for
// them to terminate.
func (p *Pipeline[In, Out, Ctx]) Stop() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return newConfigError("stop", "pipeline %q is not running (state=%s)", p.Name, p.state)
	}
	p.state = StateStopping
	wakers := append([]waker(nil), p.wakers...)
	p.mu.Unlock()

	p.done.Store(true)
	for _, w := range wakers {
		w.Wake()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	return nil
}

// Join performs the graceful shutdown path: joins the head input queue
// so in-flight work drains to completion (the join signal cascades
// stage-by-stage through Stage.run's "upstream drained" path), waits for
// every stage goroutine to exit, then joins the output queue unless
// SetOutputQueue redirected it onto a queue this pipeline doesn't own.
// PipelinePool.Join calls this for every running member and then joins
// the shared output queue itself.
func (p *Pipeline[In, Out, Ctx]) Join() error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return newConfigError("join", "pipeline %q is not running (state=%s)", p.Name, p.state)
	}
	p.state = StateStopping
	external := p.externalOutputQueue
	p.mu.Unlock()

	p.inputQueue.Join()
	p.wg.Wait()
	if p.outputQueue != nil && !external {
		p.outputQueue.Join()
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	return nil
}

// Push forwards to the head input queue.
func (p *Pipeline[In, Out, Ctx]) Push(v In) { p.inputQueue.Push(v) }

// CanPush forwards to the head input queue.
func (p *Pipeline[In, Out, Ctx]) CanPush() bool { return p.inputQueue.CanPush() }

// TryPop forwards to the tail output queue.
func (p *Pipeline[In, Out, Ctx]) TryPop() (Out, bool) { return p.outputQueue.TryPop() }

// WaitAndPop forwards to the tail output queue.
func (p *Pipeline[In, Out, Ctx]) WaitAndPop() (Out, bool) { return p.outputQueue.WaitAndPop() }
