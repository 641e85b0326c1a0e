// Package abi is the C-ABI façade spec.md §4.7 describes: opaque
// runner_id integers, a fixed tensor_data_t wire struct, and a flat
// function surface a non-Go caller links against as a shared library.
// It is grounded on the original's src/lib/interface.h/.cpp, extended
// with the additional entry points (get_input_info, runner_use_devices,
// available_devices, get_runner_durations) spec.md's distillation adds
// on top of that original surface.
//
// go-bmservice ships no real accelerator SDK — spec.md §6 treats model
// loading/execution as opaque, hardware-specific code and explicitly
// leaves it unspecified. Runtime defaults to a simulated
// device.SimRuntime with no devices and no models, so
// runner_start_with_batch returns 0 until a host replaces Runtime with
// its own interfaces.DeviceRuntime before the first call.
//
// This package is built as a C shared library (go build -buildmode=c-shared
// ./abi), which is why it is package main rather than a normal importable
// package — cgo only processes //export comments there.
package main

/*
#include <stdlib.h>

struct tensor_data_t {
    unsigned int dims;
    unsigned int shape[8];
    unsigned int dtype;
    unsigned char* data;
};
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"

	bmservice "github.com/behrlich/go-bmservice"
	"github.com/behrlich/go-bmservice/internal/ctrl"
	"github.com/behrlich/go-bmservice/internal/device"
	"github.com/behrlich/go-bmservice/internal/interfaces"
	"github.com/behrlich/go-bmservice/internal/logging"
)

// Runtime is the Device Runtime every runner_start_with_batch call binds
// new runners to.
var Runtime interfaces.DeviceRuntime = device.NewSimRuntime(nil)

// hostTensor is one tensor_data_t's payload, copied out of C memory so
// Go's garbage collector never has to reason about a pointer it didn't
// allocate (cgo forbids retaining C pointers past the call that produced
// them).
type hostTensor struct {
	shape []uint32
	dtype interfaces.DType
	data  []byte
}

// tensorBatch is the façade's In/Out type: a raw tensor_data_t array
// with no notion of a user model's domain types, since the C ABI itself
// carries none.
type tensorBatch struct {
	tensors []hostTensor
}

func preprocess(in tensorBatch, tensors interfaces.TensorVec, ctx *device.Context) bool {
	for i, t := range in.tensors {
		if i >= len(tensors) {
			break
		}
		if err := ctx.WriteTensorBytes(tensors[i], t.data); err != nil {
			return false
		}
	}
	return true
}

func postprocess(_ tensorBatch, tensors interfaces.TensorVec, ctx *device.Context) (tensorBatch, bool) {
	out := tensorBatch{tensors: make([]hostTensor, len(tensors))}
	for i, t := range tensors {
		data, err := ctx.ReadTensorBytes(t)
		if err != nil {
			return tensorBatch{}, false
		}
		out.tensors[i] = hostTensor{shape: append([]uint32(nil), t.Shape...), dtype: t.Dtype, data: data}
	}
	return out, true
}

type runnerEntry struct {
	runner    *bmservice.Runner[tensorBatch, tensorBatch]
	stats     *bmservice.ProcessStatInfo
	inTensors []hostTensor
}

var (
	registryMu   sync.Mutex
	registry     = make(map[uint32]*runnerEntry)
	nextRunnerID atomic.Uint32

	deviceOverrideMu sync.Mutex
	deviceOverride   []int
)

func lookup(id uint32) *runnerEntry {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[id]
}

func tensorByteSize(shape []uint32, dtype interfaces.DType) int {
	elemSize, err := dtype.Size()
	if err != nil {
		elemSize = 4
	}
	n := 1
	for _, s := range shape {
		n *= int(s)
	}
	return n * elemSize
}

func templatesFrom(names []string, shapes [][]uint32, dtypes []interfaces.DType, batch uint32) []bmservice.TensorTemplate {
	out := make([]bmservice.TensorTemplate, len(names))
	for i, name := range names {
		shape := append([]uint32(nil), shapes[i]...)
		if batch > 0 && len(shape) > 0 {
			shape[0] = batch
		}
		var dtype interfaces.DType
		if i < len(dtypes) {
			dtype = dtypes[i]
		}
		out[i] = bmservice.TensorTemplate{Name: name, Shape: shape, Dtype: dtype}
	}
	return out
}

func hostTensorsFromTemplates(tpls []bmservice.TensorTemplate) []hostTensor {
	out := make([]hostTensor, len(tpls))
	for i, tpl := range tpls {
		out[i] = hostTensor{shape: tpl.Shape, dtype: tpl.Dtype}
	}
	return out
}

// probeNetwork loads bmodelPath on one throwaway device context just
// long enough to read its declared tensor signature, the way
// runner_start_with_batch needs shapes before it can size the Runner's
// resource-buffer templates (device.New itself has no
// "just tell me the shapes" mode).
func probeNetwork(rt interfaces.DeviceRuntime, modelPath string, deviceID int) (interfaces.NetworkInfo, error) {
	ctx, err := device.New(rt, deviceID, modelPath)
	if err != nil {
		return interfaces.NetworkInfo{}, err
	}
	defer ctx.Close()
	return ctx.NetworkInfo("")
}

//export runner_start_with_batch
func runner_start_with_batch(bmodelPath *C.char, batch C.uint) C.uint {
	path := C.GoString(bmodelPath)

	deviceOverrideMu.Lock()
	override := append([]int(nil), deviceOverride...)
	deviceOverrideMu.Unlock()

	deviceIDs := override
	if len(deviceIDs) == 0 {
		resolved, err := ctrl.ResolveDevices(Runtime, logging.Default())
		if err == nil {
			deviceIDs = resolved
		}
	}
	if len(deviceIDs) == 0 {
		available, err := Runtime.AvailableDevices()
		if err != nil || len(available) == 0 {
			return 0
		}
		deviceIDs = available
	}

	info, err := probeNetwork(Runtime, path, deviceIDs[0])
	if err != nil {
		return 0
	}

	inTpl := templatesFrom(info.InputNames, info.InputShapes, info.InputDtypes, uint32(batch))
	outTpl := templatesFrom(info.OutputNames, info.OutputShapes, info.OutputDtypes, uint32(batch))

	runner, err := bmservice.NewRunner[tensorBatch, tensorBatch](bmservice.RunnerParams[tensorBatch, tensorBatch]{
		DeviceIDs:      deviceIDs,
		ModelPath:      path,
		NetworkName:    info.Name,
		Runtime:        Runtime,
		Preprocess:     preprocess,
		Postprocess:    postprocess,
		InputTemplate:  inTpl,
		OutputTemplate: outTpl,
		Logger:         logging.Default(),
	})
	if err != nil {
		logging.Default().Errorf("runner_start_with_batch %q: %v", path, err)
		return 0
	}

	id := nextRunnerID.Add(1)
	registryMu.Lock()
	registry[id] = &runnerEntry{
		runner:    runner,
		stats:     bmservice.NewProcessStatInfo(),
		inTensors: hostTensorsFromTemplates(inTpl),
	}
	registryMu.Unlock()
	return C.uint(id)
}

//export runner_put_input
func runner_put_input(runnerID C.uint, inputNum C.uint, inputTensors *C.struct_tensor_data_t, needCopy C.int) C.uint {
	_ = needCopy // inputs are always copied into Go memory (see hostTensor)
	entry := lookup(uint32(runnerID))
	if entry == nil || inputTensors == nil {
		return 0
	}

	n := int(inputNum)
	cSlice := unsafe.Slice(inputTensors, n)
	batch := tensorBatch{tensors: make([]hostTensor, n)}
	for i := 0; i < n; i++ {
		ct := cSlice[i]
		dims := int(ct.dims)
		shape := make([]uint32, dims)
		for d := 0; d < dims; d++ {
			shape[d] = uint32(ct.shape[d])
		}
		dtype := interfaces.DType(ct.dtype)
		size := tensorByteSize(shape, dtype)
		data := C.GoBytes(unsafe.Pointer(ct.data), C.int(size))
		batch.tensors[i] = hostTensor{shape: shape, dtype: dtype, data: data}
	}

	status := entry.runner.Submit(batch)
	return C.uint(status.TaskID)
}

func marshalResult(entry *runnerEntry, res bmservice.Result[tensorBatch], taskID *C.uint, outputNum *C.uint, isValid *C.int) *C.struct_tensor_data_t {
	entry.stats.Fold(res.Status)

	n := len(res.Value.tensors)
	if taskID != nil {
		*taskID = C.uint(res.Status.TaskID)
	}
	if outputNum != nil {
		*outputNum = C.uint(n)
	}
	if isValid != nil {
		if res.Status.Valid {
			*isValid = 1
		} else {
			*isValid = 0
		}
	}
	if n == 0 {
		return nil
	}

	arr := (*C.struct_tensor_data_t)(C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.struct_tensor_data_t{}))))
	out := unsafe.Slice(arr, n)
	for i, t := range res.Value.tensors {
		dims := len(t.shape)
		if dims > 8 {
			dims = 8
		}
		out[i].dims = C.uint(dims)
		for d := 0; d < dims; d++ {
			out[i].shape[d] = C.uint(t.shape[d])
		}
		out[i].dtype = C.uint(t.dtype)
		out[i].data = (*C.uchar)(C.CBytes(t.data))
	}
	return arr
}

//export runner_get_output
func runner_get_output(runnerID C.uint, taskID *C.uint, outputNum *C.uint, isValid *C.int) *C.struct_tensor_data_t {
	entry := lookup(uint32(runnerID))
	if entry == nil {
		return nil
	}
	res, ok := entry.runner.WaitAndPop()
	if !ok {
		return nil
	}
	return marshalResult(entry, res, taskID, outputNum, isValid)
}

//export runner_try_to_get_output
func runner_try_to_get_output(runnerID C.uint, taskID *C.uint, outputNum *C.uint, isValid *C.int) *C.struct_tensor_data_t {
	entry := lookup(uint32(runnerID))
	if entry == nil {
		return nil
	}
	res, ok := entry.runner.TryPop()
	if !ok {
		return nil
	}
	return marshalResult(entry, res, taskID, outputNum, isValid)
}

//export runner_release_output
func runner_release_output(outputNum C.uint, outputData *C.struct_tensor_data_t) C.uint {
	if outputData == nil {
		return 0
	}
	n := int(outputNum)
	slice := unsafe.Slice(outputData, n)
	for i := 0; i < n; i++ {
		if slice[i].data != nil {
			C.free(unsafe.Pointer(slice[i].data))
		}
	}
	C.free(unsafe.Pointer(outputData))
	return 1
}

//export runner_stop
func runner_stop(runnerID C.uint) {
	if entry := lookup(uint32(runnerID)); entry != nil {
		entry.runner.Stop(bmservice.StopAllDevices)
	}
}

//export runner_join
func runner_join(runnerID C.uint) {
	if entry := lookup(uint32(runnerID)); entry != nil {
		entry.runner.Join()
	}
}

//export runner_empty
func runner_empty(runnerID C.uint) C.int {
	entry := lookup(uint32(runnerID))
	if entry == nil || entry.runner.Empty() {
		return 1
	}
	return 0
}

//export runner_all_stopped
func runner_all_stopped(runnerID C.uint) C.int {
	entry := lookup(uint32(runnerID))
	if entry == nil || entry.runner.AllStopped() {
		return 1
	}
	return 0
}

//export runner_show_status
func runner_show_status(runnerID C.uint) {
	entry := lookup(uint32(runnerID))
	if entry == nil {
		return
	}
	logging.Default().Infof("runner %d status:\n%s", uint32(runnerID), entry.stats.Show())
}

// main is unused (this package only ever builds as a C shared library)
// but is required for package main to compile.
func main() {}
