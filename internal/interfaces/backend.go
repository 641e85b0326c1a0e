// Package interfaces defines the external contracts the engine is built
// against (spec.md §6): the Device Runtime SDK, the tensor wire shape, and
// the Logger/Observer surfaces. Kept separate from the top-level package so
// internal/queue and internal/device can depend on them without a cycle
// back through the package that wires everything together.
package interfaces

import "fmt"

// DType encodes a tensor element type (spec.md §6 tensor_data_t.dtype).
type DType uint32

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
)

// Size returns the byte width of one element, or an error for an unknown
// dtype (spec.md §6: "any other value is fatal").
func (d DType) Size() (int, error) {
	switch d {
	case DTypeF32, DTypeI32, DTypeU32:
		return 4, nil
	case DTypeF16, DTypeI16, DTypeU16:
		return 2, nil
	case DTypeI8, DTypeU8:
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported dtype=%d", d)
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI8:
		return "I8"
	case DTypeU8:
		return "U8"
	case DTypeI16:
		return "I16"
	case DTypeU16:
		return "U16"
	case DTypeI32:
		return "I32"
	case DTypeU32:
		return "U32"
	default:
		return fmt.Sprintf("DType(%d)", uint32(d))
	}
}

// DeviceHandle is an opaque handle to an acquired accelerator device, owned
// by whatever DeviceRuntime implementation issued it.
type DeviceHandle any

// RuntimeHandle is an opaque handle to a loaded, runnable network context.
type RuntimeHandle any

// DeviceMem is an opaque device-side memory allocation.
type DeviceMem struct {
	Handle any
	Bytes  uint64
}

// Tensor is a named, shaped device-side buffer bound to one network input
// or output. Filling it with model-specific data is out of scope for the
// engine (spec.md §1); pre/post user functions and the forward stage only
// move Tensor values between the Device Runtime and the stage that needs
// them.
type Tensor struct {
	Name  string
	Shape []uint32
	Dtype DType
	Scale float32
	Mem   DeviceMem
}

// ElemCount returns the product of Shape, or 1 for a scalar (empty Shape).
func (t Tensor) ElemCount() uint64 {
	n := uint64(1)
	for _, s := range t.Shape {
		n *= uint64(s)
	}
	return n
}

// TensorVec is an ordered set of tensors, e.g. one network's declared
// inputs or outputs.
type TensorVec []Tensor

// NetworkInfo describes a loaded model's tensor signature and static
// batch configuration (spec.md §6 network_info).
type NetworkInfo struct {
	Name         string
	InputNames   []string
	OutputNames  []string
	InputDtypes  []DType
	OutputDtypes []DType
	InputScales  []float32
	OutputScales []float32
	InputShapes  [][]uint32
	OutputShapes [][]uint32
	IsDynamic    bool
	StaticBatch  int
}

// DeviceRuntime is the external accelerator SDK contract (spec.md §6).
// The engine only orchestrates calls into it; model loading, tensor math
// and device memory management are implemented by whoever supplies a
// concrete DeviceRuntime.
type DeviceRuntime interface {
	RequestDevice(id int) (DeviceHandle, error)
	FreeDevice(h DeviceHandle) error

	CreateRuntime(h DeviceHandle) (RuntimeHandle, error)
	DestroyRuntime(rt RuntimeHandle) error
	LoadModel(rt RuntimeHandle, path string) error
	NetworkInfo(rt RuntimeHandle, name string) (NetworkInfo, error)

	MallocDeviceBytes(h DeviceHandle, bytes uint64) (DeviceMem, error)
	FreeDeviceMem(h DeviceHandle, mem DeviceMem) error
	MemAddr(mem DeviceMem) uintptr

	LaunchTensorEx(rt RuntimeHandle, name string, ins, outs TensorVec, userMem, async bool) error
	ThreadSync(h DeviceHandle) error

	// AvailableDevices lists device ids visible to this runtime, used by
	// the BMSERVICE_USE_DEVICE filtering in internal/ctrl and the C-ABI
	// available_devices() call.
	AvailableDevices() ([]int, error)
}

// HostAccessibleRuntime is an optional DeviceRuntime extension for
// runtimes whose device memory is directly readable/writable from host
// code — a simulated runtime, or real hardware fronted by a staging
// buffer. Most accelerator SDKs move tensor bytes only via DMA inside
// LaunchTensorEx, so callers must type-assert for this rather than
// assume every DeviceRuntime supports it.
type HostAccessibleRuntime interface {
	WriteBytes(h DeviceHandle, mem DeviceMem, data []byte) error
	ReadBytes(h DeviceHandle, mem DeviceMem) ([]byte, error)
}

// Logger is the minimal logging surface internal packages depend on.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Observer is the pluggable metrics-collection surface (spec.md §3
// "Per-request Status" / §4.6 "stamp start/end times"). Implementations
// must be safe to call concurrently: one instance is shared by every
// stage of every pipeline in a pool.
type Observer interface {
	// ObserveStageLatency is called once per stage invocation.
	ObserveStageLatency(stage string, deviceID uint32, latencyNs uint64, success bool)
	// ObserveQueueDepth is called periodically with a named queue's
	// current occupancy (a work queue or a resource queue).
	ObserveQueueDepth(name string, depth int)
	// ObserveTaskComplete is called once a work item exits the terminal
	// stage, successful or not.
	ObserveTaskComplete(deviceID uint32, valid bool)
}

// NoOpObserver discards everything. Useful as a zero-value default.
type NoOpObserver struct{}

func (NoOpObserver) ObserveStageLatency(string, uint32, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(string, int)                    {}
func (NoOpObserver) ObserveTaskComplete(uint32, bool)                 {}

var _ Observer = NoOpObserver{}
