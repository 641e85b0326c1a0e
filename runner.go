// Package bmservice is a host-side inference serving runtime for a fleet
// of accelerator devices: a multi-stage, multi-device pipeline scheduler
// that keeps preprocessing, device inference and postprocessing
// concurrently busy across a pool of devices (spec.md §1).
package bmservice

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/go-bmservice/internal/constants"
	"github.com/behrlich/go-bmservice/internal/ctrl"
	"github.com/behrlich/go-bmservice/internal/device"
	"github.com/behrlich/go-bmservice/internal/interfaces"
	"github.com/behrlich/go-bmservice/internal/queue"
)

// StopAllDevices retires every device in a Runner, as opposed to a single
// device index (spec.md §4.4 "stop([i])").
const StopAllDevices = queue.StopAll

// StageTiming records one stage's wall-clock span for a single request.
type StageTiming struct {
	Name  string
	Start time.Time
	End   time.Time
}

// ProcessStatus is stamped when a request enters preprocessing and
// mutated by each stage end (spec.md §3 "Per-request Status").
type ProcessStatus struct {
	TaskID uint64
	// TraceID is a random per-request id carried alongside the task id,
	// for callers that want a correlator independent of it; the runner
	// itself does not log it.
	TraceID  uuid.UUID
	DeviceID uint32
	Valid    bool
	Stages   []StageTiming
}

func (s *ProcessStatus) stamp(name string, start, end time.Time) {
	s.Stages = append(s.Stages, StageTiming{Name: name, Start: start, End: end})
}

// runItem carries a caller's input alongside the status record threaded
// through every stage.
type runItem[In any] struct {
	Value  In
	Status *ProcessStatus
}

// tensorWork carries a runItem plus the device-side tensor buffer it is
// currently attached to, between the preprocess/forward/postprocess
// stages (spec.md §4.6's engine-provided Forward operates on this shape).
type tensorWork[In any] struct {
	Item    runItem[In]
	Tensors interfaces.TensorVec
}

// Result is what a Runner delivers: the caller's Out value paired with
// the request's final status (spec.md §3 "consumed by the post-result
// collector for statistics").
type Result[Out any] struct {
	Value  Out
	Status *ProcessStatus
}

// PreprocessFunc fills tensors with device-side input data derived from
// in. A false return marks the request invalid (spec.md §4.6, §7
// UserError) but it still flows through to the consumer.
type PreprocessFunc[In any] func(in In, tensors interfaces.TensorVec, ctx *device.Context) bool

// PostprocessFunc converts tensors (the forward stage's outputs) plus
// the original in into the caller's Out type. A false return marks the
// request invalid.
type PostprocessFunc[In, Out any] func(in In, tensors interfaces.TensorVec, ctx *device.Context) (Out, bool)

// TensorTemplate describes one named input or output buffer a Runner
// should preallocate per pipeline (two per stage, spec.md §4.6
// double-buffering).
type TensorTemplate struct {
	Name  string
	Shape []uint32
	Dtype interfaces.DType
}

// RunnerParams configures NewRunner.
type RunnerParams[In, Out any] struct {
	// DeviceIDs lists the devices this runner pins one pipeline to each
	// of. Leave nil to resolve from BMSERVICE_USE_DEVICE against
	// Runtime.AvailableDevices (internal/ctrl.ResolveDevices).
	DeviceIDs []int

	ModelPath   string
	NetworkName string
	Runtime     interfaces.DeviceRuntime

	Preprocess  PreprocessFunc[In]
	Postprocess PostprocessFunc[In, Out]

	InputTemplate  []TensorTemplate
	OutputTemplate []TensorTemplate

	Logger      interfaces.Logger
	Observer    interfaces.Observer
	CPUAffinity []int

	// InputQueueBurst is the per-pipeline multiplier B in the shared
	// input queue's capacity k*B (spec.md §4.4). Zero uses the package
	// default.
	InputQueueBurst int
}

// Runner specializes a PipelinePool into the {preprocess, forward,
// postprocess} topology spec.md §4.6 calls a Device Runner.
type Runner[In, Out any] struct {
	pool        *queue.PipelinePool[runItem[In], Result[Out], *device.Context]
	metrics     *Metrics
	networkName string
	taskCounter atomic.Uint64
}

// NewRunner resolves DeviceIDs (if unset), constructs one DeviceContext
// per device, wires the three-stage topology, and starts the pool.
func NewRunner[In, Out any](params RunnerParams[In, Out]) (*Runner[In, Out], error) {
	if params.Runtime == nil {
		return nil, NewConfigError("new_runner", "Runtime must not be nil")
	}
	deviceIDs := params.DeviceIDs
	if len(deviceIDs) == 0 {
		resolved, err := ctrl.ResolveDevices(params.Runtime, params.Logger)
		if err != nil {
			return nil, WrapError("new_runner", err)
		}
		deviceIDs = resolved
	}
	if len(deviceIDs) == 0 {
		return nil, NewConfigError("new_runner", "no devices available to run on")
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	contextInit := func(i int) (*device.Context, error) {
		return device.New(params.Runtime, deviceIDs[i], params.ModelPath)
	}
	contextDeinit := func(_ int, ctx *device.Context) {
		if ctx != nil {
			ctx.Close()
		}
	}

	pool, err := queue.NewPipelinePool[runItem[In], Result[Out], *device.Context](
		len(deviceIDs), "runner", params.InputQueueBurst, contextInit, contextDeinit,
	)
	if err != nil {
		for i := range deviceIDs {
			if ctx, ok := pool.GetPipelineContext(i); ok {
				contextDeinit(i, ctx)
			}
		}
		return nil, err
	}
	pool.SetLogger(params.Logger)
	pool.SetObserver(observer)
	if params.CPUAffinity != nil {
		pool.SetCPUAffinity(params.CPUAffinity)
	}

	r := &Runner[In, Out]{pool: pool, metrics: metrics, networkName: params.NetworkName}

	preFn := func(ctx *device.Context, in runItem[In], out tensorWork[In]) (queue.StageResult, tensorWork[In], error) {
		start := time.Now()
		out.Item = in
		out.Item.Status.DeviceID = uint32(ctx.DeviceID())
		ok := params.Preprocess(in.Value, out.Tensors, ctx)
		out.Item.Status.stamp("preprocess", start, time.Now())
		if !ok {
			out.Item.Status.Valid = false
			return queue.Failed, out, nil
		}
		return queue.Produced, out, nil
	}

	fwdFn := func(ctx *device.Context, in tensorWork[In], out tensorWork[In]) (queue.StageResult, tensorWork[In], error) {
		out.Item = in.Item
		if !in.Item.Status.Valid {
			return queue.Failed, out, nil
		}
		start := time.Now()
		err := ctx.Forward(params.NetworkName, in.Tensors, out.Tensors, false)
		out.Item.Status.stamp("forward", start, time.Now())
		if err != nil {
			return queue.Produced, out, WrapError("forward", err)
		}
		return queue.Produced, out, nil
	}

	postFn := func(ctx *device.Context, in tensorWork[In], out Result[Out]) (queue.StageResult, Result[Out], error) {
		start := time.Now()
		out.Status = in.Item.Status
		if !in.Item.Status.Valid {
			in.Item.Status.stamp("postprocess", start, time.Now())
			observer.ObserveTaskComplete(in.Item.Status.DeviceID, false)
			return queue.Failed, out, nil
		}
		val, ok := params.Postprocess(in.Item.Value, in.Tensors, ctx)
		in.Item.Status.stamp("postprocess", start, time.Now())
		out.Value = val
		if !ok {
			in.Item.Status.Valid = false
			observer.ObserveTaskComplete(in.Item.Status.DeviceID, false)
			return queue.Failed, out, nil
		}
		observer.ObserveTaskComplete(in.Item.Status.DeviceID, true)
		return queue.Produced, out, nil
	}

	preResourcesFor := func(i int) []tensorWork[In] {
		ctx, ok := pool.GetPipelineContext(i)
		if !ok {
			return nil
		}
		return []tensorWork[In]{
			{Tensors: allocTemplate(ctx, params.InputTemplate)},
			{Tensors: allocTemplate(ctx, params.InputTemplate)},
		}
	}
	fwdResourcesFor := func(i int) []tensorWork[In] {
		ctx, ok := pool.GetPipelineContext(i)
		if !ok {
			return nil
		}
		return []tensorWork[In]{
			{Tensors: allocTemplate(ctx, params.OutputTemplate)},
			{Tensors: allocTemplate(ctx, params.OutputTemplate)},
		}
	}

	if err := queue.AddPoolStage[runItem[In], Result[Out], *device.Context, runItem[In], tensorWork[In]](
		pool, "preprocess", preFn, preResourcesFor,
	); err != nil {
		return nil, err
	}
	if err := queue.AddPoolStage[runItem[In], Result[Out], *device.Context, tensorWork[In], tensorWork[In]](
		pool, "forward", fwdFn, fwdResourcesFor,
	); err != nil {
		return nil, err
	}
	if err := queue.AddPoolStage[runItem[In], Result[Out], *device.Context, tensorWork[In], Result[Out]](
		pool, "postprocess", postFn, nil,
	); err != nil {
		return nil, err
	}

	if err := pool.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// allocTemplate allocates one device-side TensorVec matching templates,
// used to prefill the pre/forward stage resource queues (spec.md §4.6
// "Pre and Forward each own exactly 2 output buffers per pipeline").
func allocTemplate(ctx *device.Context, templates []TensorTemplate) interfaces.TensorVec {
	vec := make(interfaces.TensorVec, len(templates))
	for i, tpl := range templates {
		size, err := tpl.Dtype.Size()
		if err != nil {
			continue
		}
		elems := uint64(1)
		for _, s := range tpl.Shape {
			elems *= uint64(s)
		}
		mem, err := ctx.AllocDeviceMem(elems * uint64(size))
		if err != nil {
			continue
		}
		vec[i] = interfaces.Tensor{Name: tpl.Name, Shape: tpl.Shape, Dtype: tpl.Dtype, Mem: mem}
	}
	return vec
}

// Submit stamps a new ProcessStatus and pushes v onto the shared input
// queue, blocking under backpressure (spec.md §4.4). Which pipeline (and
// so which device) actually handles v is decided by the pool, not the
// caller (spec.md §5 "across a pool: no global order"); Status.DeviceID
// is filled in once preprocessing claims the request.
func (r *Runner[In, Out]) Submit(v In) *ProcessStatus {
	status := &ProcessStatus{TaskID: r.nextTaskID(), TraceID: uuid.New(), Valid: true}
	r.pool.Push(runItem[In]{Value: v, Status: status})
	return status
}

// nextTaskID returns a monotonic counter skipping the reserved
// InvalidTaskID value (spec.md §4.7).
func (r *Runner[In, Out]) nextTaskID() uint64 {
	id := r.taskCounter.Add(1)
	if id == uint64(constants.InvalidTaskID) {
		id = r.taskCounter.Add(1)
	}
	return id
}

// CanPush reports whether Submit would proceed without blocking.
func (r *Runner[In, Out]) CanPush() bool { return r.pool.CanPush() }

// TryPop returns the next completed result without blocking.
func (r *Runner[In, Out]) TryPop() (Result[Out], bool) { return r.pool.TryPop() }

// WaitAndPop blocks until a result is available or the pool has been
// joined and drained.
func (r *Runner[In, Out]) WaitAndPop() (Result[Out], bool) { return r.pool.WaitAndPop() }

// Empty reports whether the runner currently holds no queued work.
func (r *Runner[In, Out]) Empty() bool { return r.pool.Empty() }

// AllStopped reports whether every pipeline has fully stopped.
func (r *Runner[In, Out]) AllStopped() bool { return r.pool.AllStopped() }

// DeviceNum returns the number of device slots the runner was
// constructed with.
func (r *Runner[In, Out]) DeviceNum() int { return r.pool.DeviceNum() }

// NetworkName returns the network this runner calls on every forward
// pass, as given in RunnerParams.
func (r *Runner[In, Out]) NetworkName() string { return r.networkName }

// Stop retires device index i (or every device, with queue.StopAll),
// without tearing down the rest of the runner (spec.md §7's "runner-level
// stop on device id").
func (r *Runner[In, Out]) Stop(i int) error { return r.pool.Stop(i) }

// Join performs a graceful, pool-wide shutdown: all in-flight work
// drains before the runner reports stopped.
func (r *Runner[In, Out]) Join() error {
	defer r.metrics.Stop()
	return r.pool.Join()
}

// Metrics returns the runner's aggregate metrics.
func (r *Runner[In, Out]) Metrics() *Metrics { return r.metrics }

// MetricsSnapshot is a convenience for Metrics().Snapshot().
func (r *Runner[In, Out]) MetricsSnapshot() MetricsSnapshot { return r.metrics.Snapshot() }
