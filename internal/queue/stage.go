package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// StageResult is the tri-state a user stage function returns (spec.md
// §4.2): Produced means the output buffer is complete and should be
// deposited downstream, Consumed means the input was consumed but the
// output buffer isn't ready yet (keep it, pull the next input), Failed
// means the item should still be delivered but marked invalid.
type StageResult int

const (
	Produced StageResult = iota
	Consumed
	Failed
)

func (r StageResult) String() string {
	switch r {
	case Produced:
		return "Produced"
	case Consumed:
		return "Consumed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StageFunc is a user-supplied stage body. out is the buffer pulled from
// the output resource queue (or a fresh zero value when there is none);
// the function may mutate it in place (typical when Out is a pointer
// type backed by a resource queue) or simply return a new value (typical
// for plain value types). A non-nil error is treated as a DeviceError
// (spec.md §7): fatal to the whole pipeline, cascading done. Returning
// (Failed, v, nil) is the non-fatal UserError path: the item is still
// delivered, marked invalid by the caller.
type StageFunc[In, Out, Ctx any] func(ctx Ctx, in In, out Out) (StageResult, Out, error)

// Stage is one worker loop: pulls an output buffer, pulls input items,
// runs the user function, and forwards the result (spec.md §4.2).
type Stage[In, Out, Ctx any] struct {
	Name string

	ctx Ctx
	fn  StageFunc[In, Out, Ctx]

	inWork      *BoundedQueue[In]
	inResource  *BoundedQueue[In]  // optional: recycles input buffers upstream
	outResource *BoundedQueue[Out] // optional: source of reusable output buffers
	outWork     *BoundedQueue[Out]

	// outWorkShared is set once setOutWork points outWork at a queue the
	// pipeline doesn't own (a PipelinePool's shared output queue); the
	// drain path then leaves joining it to the pool.
	outWorkShared bool

	// newOut constructs a fresh Out when no output resource queue is
	// configured (e.g. the terminal stage of a pipeline, spec.md §4.3
	// "the final stage has no output resource queue").
	newOut func() Out

	done     *atomic.Bool
	fatal    func(err error) // invoked once if the stage hits a fatal error/panic
	logger   interfaces.Logger
	observer interfaces.Observer
	deviceID uint32

	// cpuAffinity pins this stage's worker goroutine to one CPU in the
	// list, round-robin by deviceID. Nil means no pinning. A worker
	// thread per device is the OS-thread-per-stage model spec.md §5
	// assumes; pinning keeps a device's stages off cores another
	// device's stages are using.
	cpuAffinity []int
}

// run executes the worker loop described in spec.md §4.2 until done is
// observed or the input queue drains and is joined. A panic in the user
// function is recovered, logged, and escalated via fatal() — treated as
// pipeline-fatal per spec.md §7.
func (s *Stage[In, Out, Ctx]) run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer s.recoverPanic()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.pinToCPU()

	for !s.done.Load() {
		outBuf, ok := s.acquireOutBuf()
		if !ok {
			return // output resource queue joined+drained: nothing left to do
		}

		produced := false
		for !s.done.Load() {
			in, ok := s.inWork.WaitAndPopCancelable(s.done)
			if !ok {
				if s.done.Load() {
					// Cancelled, not drained: the shared input queue (a
					// PipelinePool member reads from one shared queue)
					// must not be joined on this pipeline's behalf —
					// other pipelines may still be reading it. Stop()
					// already woke every queue this stage could be
					// blocked on.
					return
				}
				// Upstream genuinely drained and joined: no more input
				// will ever arrive. Propagate the join signal downstream
				// and exit, unless downstream is a shared output queue
				// that sibling pipelines may still be feeding.
				if !s.outWorkShared {
					s.outWork.Join()
				}
				return
			}

			start := time.Now()
			result, next, err := s.invoke(in, outBuf)
			latency := time.Since(start)

			if s.inResource != nil {
				s.inResource.Push(in)
			}

			if err != nil {
				s.observeLatency(latency, false)
				s.escalate(err)
				return
			}
			s.observeLatency(latency, result != Failed)
			outBuf = next

			if result != Consumed {
				produced = true
				break
			}
		}

		if s.done.Load() && !produced {
			return
		}
		s.outWork.Push(outBuf)
	}
}

// pinToCPU pins the calling OS thread (already locked by run via
// LockOSThread) to one CPU chosen round-robin by deviceID, so different
// devices' pipelines spread across the configured cores; every stage of
// one device lands on the same CPU. No-op if cpuAffinity is unset. Failure to set affinity is
// logged and otherwise ignored, never fatal.
func (s *Stage[In, Out, Ctx]) pinToCPU() {
	if len(s.cpuAffinity) == 0 {
		return
	}
	cpuIdx := s.cpuAffinity[int(s.deviceID)%len(s.cpuAffinity)]
	var mask unix.CPUSet
	mask.Set(cpuIdx)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		if s.logger != nil {
			s.logger.Printf("stage %q: failed to set CPU affinity to CPU %d: %v", s.Name, cpuIdx, err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Debugf("stage %q: set CPU affinity to CPU %d", s.Name, cpuIdx)
	}
}

// setOutWork implements stageRunner's redirection hook: q must box a
// *BoundedQueue[Out] or this returns false and does nothing.
func (s *Stage[In, Out, Ctx]) setOutWork(q any) bool {
	qq, ok := q.(*BoundedQueue[Out])
	if !ok {
		return false
	}
	s.outWork = qq
	s.outWorkShared = true
	return true
}

func (s *Stage[In, Out, Ctx]) invoke(in In, out Out) (result StageResult, next Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return s.fn(s.ctx, in, out)
}

func (s *Stage[In, Out, Ctx]) acquireOutBuf() (Out, bool) {
	if s.outResource != nil {
		return s.outResource.WaitAndPopCancelable(s.done)
	}
	return s.newOut(), true
}

func (s *Stage[In, Out, Ctx]) observeLatency(d time.Duration, success bool) {
	if s.observer != nil {
		s.observer.ObserveStageLatency(s.Name, s.deviceID, uint64(d.Nanoseconds()), success)
	}
}

func (s *Stage[In, Out, Ctx]) escalate(err error) {
	s.done.Store(true)
	if s.logger != nil {
		s.logger.Errorf("stage %q: fatal error, cascading shutdown: %v", s.Name, err)
	}
	if s.fatal != nil {
		s.fatal(err)
	}
}

func (s *Stage[In, Out, Ctx]) recoverPanic() {
	if r := recover(); r != nil {
		s.escalate(panicToError(r))
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicValue{value: r}
}

type panicValue struct{ value any }

func (p *panicValue) Error() string { return "panic: " + formatPanic(p.value) }

func formatPanic(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-error panic value"
}
