// Package device implements DeviceContext (spec.md §4.5): per-pipeline
// ownership of one accelerator device, its loaded runtime, and every
// allocation made against it. A DeviceContext is single-writer per
// pipeline (spec.md §5) — it is constructed by a PipelinePool's
// ContextInitializer and never shared across goroutines concurrently.
package device

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// allocKind tags an entry in the teardown ledger so a free call only
// matches records of its own kind (FreeDeviceMem, FreeImages).
type allocKind int

const (
	kindMem allocKind = iota
	kindImages
	kindNamedMem
)

type allocRecord struct {
	kind allocKind
	key  string // named-mem key, empty for anonymous allocations
	mem  interfaces.DeviceMem
}

// Context owns one device handle, one loaded runtime, and the ledger of
// every allocation made against them, released in reverse order on Close
// (spec.md §4.5's invariant: "destructor releases every named mem, image
// batch, anonymous allocation, network, device handle in reverse order").
type Context struct {
	runtime  interfaces.DeviceRuntime
	handle   interfaces.DeviceHandle
	rt       interfaces.RuntimeHandle
	deviceID int

	mu        sync.Mutex
	allocs    []allocRecord
	named     map[string]interfaces.DeviceMem
	closed    bool
	networkID string

	// PreExtra/PostExtra carry whatever per-pipeline state the caller's
	// Preprocess/Postprocess functions need (spec.md §4.5 "generic
	// per-pipeline state param" replacing the source's void* extras).
	PreExtra  any
	PostExtra any

	// ConfigData is opaque configuration handed to this device's stages
	// (spec.md §4.5 config_data).
	ConfigData any

	InFilters  []TensorFilter
	OutFilters []TensorFilter
}

// TensorFilter transforms a tensor in place before it is handed to the
// Device Runtime (in_filters) or after it comes back (out_filters),
// e.g. a quantization/dequantization or layout conversion step.
type TensorFilter func(t interfaces.Tensor) (interfaces.Tensor, error)

// New acquires deviceID from rt, creates a runtime context and loads
// modelBlobPath into it (spec.md §4.5 "new(device_id, model_blob_path)").
func New(rt interfaces.DeviceRuntime, deviceID int, modelBlobPath string) (*Context, error) {
	handle, err := rt.RequestDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %d: request device: %w", deviceID, err)
	}
	runtimeHandle, err := rt.CreateRuntime(handle)
	if err != nil {
		rt.FreeDevice(handle)
		return nil, fmt.Errorf("device %d: create runtime: %w", deviceID, err)
	}
	if err := rt.LoadModel(runtimeHandle, modelBlobPath); err != nil {
		rt.DestroyRuntime(runtimeHandle)
		rt.FreeDevice(handle)
		return nil, fmt.Errorf("device %d: load model %q: %w", deviceID, modelBlobPath, err)
	}
	return &Context{
		runtime:  rt,
		handle:   handle,
		rt:       runtimeHandle,
		deviceID: deviceID,
		named:    make(map[string]interfaces.DeviceMem),
	}, nil
}

// Runtime returns the loaded RuntimeHandle, for use by the Forward stage.
func (c *Context) Runtime() interfaces.RuntimeHandle { return c.rt }

// DeviceHandle returns the acquired device handle.
func (c *Context) DeviceHandle() interfaces.DeviceHandle { return c.handle }

// DeviceID returns the id this context was constructed with, so stages
// can stamp a request's ProcessStatus with the device that actually
// processed it.
func (c *Context) DeviceID() int { return c.deviceID }

// WriteTensorBytes writes data into t's backing device memory, for
// runtimes that implement interfaces.HostAccessibleRuntime (spec.md §1
// treats the Device Runtime as opaque, but a simulated or staging-buffer
// runtime may expose direct host access for preprocess/postprocess use).
func (c *Context) WriteTensorBytes(t interfaces.Tensor, data []byte) error {
	ha, ok := c.runtime.(interfaces.HostAccessibleRuntime)
	if !ok {
		return fmt.Errorf("write_tensor_bytes: runtime is not host-accessible")
	}
	return ha.WriteBytes(c.handle, t.Mem, data)
}

// ReadTensorBytes reads t's backing device memory back to the host.
func (c *Context) ReadTensorBytes(t interfaces.Tensor) ([]byte, error) {
	ha, ok := c.runtime.(interfaces.HostAccessibleRuntime)
	if !ok {
		return nil, fmt.Errorf("read_tensor_bytes: runtime is not host-accessible")
	}
	return ha.ReadBytes(c.handle, t.Mem)
}

// NetworkInfo fetches the signature of the named network (empty name for
// runtimes that load a single model per context).
func (c *Context) NetworkInfo(name string) (interfaces.NetworkInfo, error) {
	return c.runtime.NetworkInfo(c.rt, name)
}

// AllocDeviceMem allocates an anonymous device-side buffer and records it
// for teardown.
func (c *Context) AllocDeviceMem(bytes uint64) (interfaces.DeviceMem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mem, err := c.runtime.MallocDeviceBytes(c.handle, bytes)
	if err != nil {
		return interfaces.DeviceMem{}, err
	}
	c.allocs = append(c.allocs, allocRecord{kind: kindMem, mem: mem})
	return mem, nil
}

// FreeDeviceMem releases mem and removes its teardown record. Freeing a
// mem this Context never allocated is a fatal usage error (spec.md §4.5
// "a deallocation that can't find its record is fatal").
func (c *Context) FreeDeviceMem(mem interfaces.DeviceMem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeAlloc(kindMem, "", mem) {
		return fmt.Errorf("free_device_mem: no matching allocation record")
	}
	return c.runtime.FreeDeviceMem(c.handle, mem)
}

// AllocImages allocates a batch of anonymous device buffers sized for an
// image/tensor batch (spec.md §4.5 alloc_images); each one is tracked as
// its own teardown record under kindImages.
func (c *Context) AllocImages(n int, bytesEach uint64) ([]interfaces.DeviceMem, error) {
	out := make([]interfaces.DeviceMem, 0, n)
	for i := 0; i < n; i++ {
		mem, err := c.runtime.MallocDeviceBytes(c.handle, bytesEach)
		if err != nil {
			for _, m := range out {
				c.runtime.FreeDeviceMem(c.handle, m)
			}
			return nil, fmt.Errorf("alloc_images: image %d/%d: %w", i, n, err)
		}
		out = append(out, mem)
	}
	c.mu.Lock()
	for _, m := range out {
		c.allocs = append(c.allocs, allocRecord{kind: kindImages, mem: m})
	}
	c.mu.Unlock()
	return out, nil
}

// AllocImagesWithoutMem registers n image slots without backing them with
// device memory yet (spec.md §4.5 alloc_images_without_mem) — used when a
// later stage will bind memory per-item (e.g. zero-copy input paths).
func (c *Context) AllocImagesWithoutMem(n int) []interfaces.DeviceMem {
	return make([]interfaces.DeviceMem, n)
}

// FreeImages releases a batch previously returned by AllocImages.
func (c *Context) FreeImages(batch []interfaces.DeviceMem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mem := range batch {
		if !c.removeAlloc(kindImages, "", mem) {
			return fmt.Errorf("free_images: no matching allocation record")
		}
		if err := c.runtime.FreeDeviceMem(c.handle, mem); err != nil {
			return err
		}
	}
	return nil
}

// GetOrAllocNamedMem returns the device memory interned under name,
// allocating it on first use (spec.md §4.5 get_or_alloc_named_mem).
func (c *Context) GetOrAllocNamedMem(name string, bytes uint64) (interfaces.DeviceMem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mem, ok := c.named[name]; ok {
		return mem, nil
	}
	mem, err := c.runtime.MallocDeviceBytes(c.handle, bytes)
	if err != nil {
		return interfaces.DeviceMem{}, fmt.Errorf("get_or_alloc_named_mem %q: %w", name, err)
	}
	c.named[name] = mem
	c.allocs = append(c.allocs, allocRecord{kind: kindNamedMem, key: name, mem: mem})
	return mem, nil
}

func (c *Context) removeAlloc(kind allocKind, key string, mem interfaces.DeviceMem) bool {
	for i := len(c.allocs) - 1; i >= 0; i-- {
		a := c.allocs[i]
		if a.kind != kind {
			continue
		}
		if kind == kindNamedMem && a.key != key {
			continue
		}
		if kind != kindNamedMem && c.runtime.MemAddr(a.mem) != c.runtime.MemAddr(mem) {
			continue
		}
		c.allocs = append(c.allocs[:i], c.allocs[i+1:]...)
		if kind == kindNamedMem {
			delete(c.named, key)
		}
		return true
	}
	return false
}

// Close releases every named mem, image batch and anonymous allocation in
// reverse allocation order, then the runtime and the device handle
// (spec.md §4.5). Safe to call once; a second call is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for i := len(c.allocs) - 1; i >= 0; i-- {
		a := c.allocs[i]
		if err := c.runtime.FreeDeviceMem(c.handle, a.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("teardown alloc %d: %w", i, err)
		}
	}
	c.allocs = nil
	c.named = nil

	if err := c.runtime.DestroyRuntime(c.rt); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("destroy runtime: %w", err)
	}
	if err := c.runtime.FreeDevice(c.handle); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("free device: %w", err)
	}
	return firstErr
}
