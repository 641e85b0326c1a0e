package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// SimRuntime is an in-process stand-in for a real accelerator SDK,
// implementing interfaces.DeviceRuntime entirely in host memory. It backs
// the package's own tests, the root package's runner tests, and
// bmservice-bench when run without real hardware. Each device keeps its
// own map of allocations, keyed by address; all of them are guarded by
// the one SimRuntime mutex.
type SimRuntime struct {
	mu      sync.Mutex
	devices map[int]*simDevice
	nextMem uint64

	// Models maps a model blob path to the NetworkInfo it should report;
	// LoadModel fails for any path not present here, simulating a
	// runtime that can't find or parse that file.
	Models map[string]interfaces.NetworkInfo

	// FailLaunchOn, if set, makes LaunchTensorEx return an error whenever
	// called with this network name — used to simulate a DeviceError from
	// the Forward stage in tests.
	FailLaunchOn string
}

type simDevice struct {
	id       int
	refCount int
	mem      map[uint64][]byte
}

// NewSimRuntime constructs a runtime exposing deviceIDs as available
// devices.
func NewSimRuntime(deviceIDs []int) *SimRuntime {
	r := &SimRuntime{
		devices: make(map[int]*simDevice),
		Models:  make(map[string]interfaces.NetworkInfo),
	}
	for _, id := range deviceIDs {
		r.devices[id] = &simDevice{id: id, mem: make(map[uint64][]byte)}
	}
	return r
}

func (r *SimRuntime) AvailableDevices() ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *SimRuntime) RequestDevice(id int) (interfaces.DeviceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("sim device %d not present", id)
	}
	d.refCount++
	return d, nil
}

func (r *SimRuntime) FreeDevice(h interfaces.DeviceHandle) error {
	d, ok := h.(*simDevice)
	if !ok {
		return fmt.Errorf("free_device: not a sim device handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d.refCount--
	return nil
}

type simRuntimeHandle struct {
	device *simDevice
	model  string
}

func (r *SimRuntime) CreateRuntime(h interfaces.DeviceHandle) (interfaces.RuntimeHandle, error) {
	d, ok := h.(*simDevice)
	if !ok {
		return nil, fmt.Errorf("create_runtime: not a sim device handle")
	}
	return &simRuntimeHandle{device: d}, nil
}

func (r *SimRuntime) DestroyRuntime(rt interfaces.RuntimeHandle) error {
	if _, ok := rt.(*simRuntimeHandle); !ok {
		return fmt.Errorf("destroy_runtime: not a sim runtime handle")
	}
	return nil
}

func (r *SimRuntime) LoadModel(rt interfaces.RuntimeHandle, path string) error {
	h, ok := rt.(*simRuntimeHandle)
	if !ok {
		return fmt.Errorf("load_model: not a sim runtime handle")
	}
	r.mu.Lock()
	_, known := r.Models[path]
	r.mu.Unlock()
	if !known {
		return fmt.Errorf("load_model: unknown model blob %q", path)
	}
	h.model = path
	return nil
}

func (r *SimRuntime) NetworkInfo(rt interfaces.RuntimeHandle, name string) (interfaces.NetworkInfo, error) {
	h, ok := rt.(*simRuntimeHandle)
	if !ok {
		return interfaces.NetworkInfo{}, fmt.Errorf("network_info: not a sim runtime handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.Models[h.model]
	if !ok {
		return interfaces.NetworkInfo{}, fmt.Errorf("network_info: model %q not loaded", h.model)
	}
	return info, nil
}

func (r *SimRuntime) MallocDeviceBytes(h interfaces.DeviceHandle, bytes uint64) (interfaces.DeviceMem, error) {
	d, ok := h.(*simDevice)
	if !ok {
		return interfaces.DeviceMem{}, fmt.Errorf("malloc_device_byte: not a sim device handle")
	}
	addr := atomic.AddUint64(&r.nextMem, 1)
	r.mu.Lock()
	d.mem[addr] = make([]byte, bytes)
	r.mu.Unlock()
	return interfaces.DeviceMem{Handle: addr, Bytes: bytes}, nil
}

func (r *SimRuntime) FreeDeviceMem(h interfaces.DeviceHandle, mem interfaces.DeviceMem) error {
	d, ok := h.(*simDevice)
	if !ok {
		return fmt.Errorf("free_device: not a sim device handle")
	}
	addr, ok := mem.Handle.(uint64)
	if !ok {
		return fmt.Errorf("free_device: not a sim mem handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := d.mem[addr]; !ok {
		return fmt.Errorf("free_device: unknown allocation")
	}
	delete(d.mem, addr)
	return nil
}

func (r *SimRuntime) MemAddr(mem interfaces.DeviceMem) uintptr {
	addr, _ := mem.Handle.(uint64)
	return uintptr(addr)
}

// WriteBytes and ReadBytes implement interfaces.HostAccessibleRuntime,
// letting test and example preprocess/postprocess callbacks move bytes
// into and out of simulated device memory directly.
func (r *SimRuntime) WriteBytes(h interfaces.DeviceHandle, mem interfaces.DeviceMem, data []byte) error {
	d, ok := h.(*simDevice)
	if !ok {
		return fmt.Errorf("write_bytes: not a sim device handle")
	}
	addr, ok := mem.Handle.(uint64)
	if !ok {
		return fmt.Errorf("write_bytes: not a sim mem handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := d.mem[addr]
	if !ok {
		return fmt.Errorf("write_bytes: unknown allocation")
	}
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (r *SimRuntime) ReadBytes(h interfaces.DeviceHandle, mem interfaces.DeviceMem) ([]byte, error) {
	d, ok := h.(*simDevice)
	if !ok {
		return nil, fmt.Errorf("read_bytes: not a sim device handle")
	}
	addr, ok := mem.Handle.(uint64)
	if !ok {
		return nil, fmt.Errorf("read_bytes: not a sim mem handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := d.mem[addr]
	if !ok {
		return nil, fmt.Errorf("read_bytes: unknown allocation")
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// LaunchTensorEx simulates model execution: every output tensor's backing
// bytes are filled from the corresponding input (truncated/zero-padded to
// fit), which is enough for ES-style tests that only need a recognizable,
// deterministic transform through the pipeline.
func (r *SimRuntime) LaunchTensorEx(rt interfaces.RuntimeHandle, name string, ins, outs interfaces.TensorVec, userMem, async bool) error {
	h, ok := rt.(*simRuntimeHandle)
	if !ok {
		return fmt.Errorf("launch_tensor_ex: not a sim runtime handle")
	}
	if r.FailLaunchOn != "" && name == r.FailLaunchOn {
		return fmt.Errorf("launch_tensor_ex: simulated device failure on network %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range outs {
		outAddr, ok := outs[i].Mem.Handle.(uint64)
		if !ok {
			continue
		}
		outBuf, ok := h.device.mem[outAddr]
		if !ok {
			continue
		}
		if i < len(ins) {
			if inAddr, ok := ins[i].Mem.Handle.(uint64); ok {
				if inBuf, ok := h.device.mem[inAddr]; ok {
					n := copy(outBuf, inBuf)
					for j := n; j < len(outBuf); j++ {
						outBuf[j] = 0
					}
				}
			}
		}
	}
	return nil
}

func (r *SimRuntime) ThreadSync(h interfaces.DeviceHandle) error {
	if _, ok := h.(*simDevice); !ok {
		return fmt.Errorf("thread_sync: not a sim device handle")
	}
	return nil
}
