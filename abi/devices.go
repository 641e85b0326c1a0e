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

import "unsafe"

// runner_use_devices pins the device id set the *next*
// runner_start_with_batch call resolves against, bypassing
// BMSERVICE_USE_DEVICE (spec.md §6's env surface is still consulted when
// this override is empty). A runner already started keeps the device set
// it was constructed with — spec.md's DeviceRunner topology is fixed at
// start() time, so this cannot repin a live runner.
//
//export runner_use_devices
func runner_use_devices(ids *C.int, n C.int) {
	count := int(n)
	selected := make([]int, count)
	if count > 0 && ids != nil {
		cSlice := unsafe.Slice(ids, count)
		for i, id := range cSlice {
			selected[i] = int(id)
		}
	}
	deviceOverrideMu.Lock()
	deviceOverride = selected
	deviceOverrideMu.Unlock()
}

// available_devices writes up to max of Runtime's available device ids
// into buf and returns how many were written. When buf is null or max is
// not positive it writes nothing and returns the total number of
// available devices.
//
//export available_devices
func available_devices(buf *C.int, max C.int) C.int {
	ids, err := Runtime.AvailableDevices()
	if err != nil {
		return 0
	}
	limit := int(max)
	if limit > len(ids) {
		limit = len(ids)
	}
	if limit <= 0 || buf == nil {
		return C.int(len(ids))
	}
	out := unsafe.Slice(buf, limit)
	for i := 0; i < limit; i++ {
		out[i] = C.int(ids[i])
	}
	return C.int(limit)
}

// get_input_info returns runner_id's input tensor_data_t templates (shape
// and dtype only; data is always null) so a caller can discover what
// shape/dtype runner_put_input expects without hardcoding it. *n is set
// to the tensor count. Free the result with release_input_info.
//
//export get_input_info
func get_input_info(runnerID C.uint, n *C.uint) *C.struct_tensor_data_t {
	entry := lookup(uint32(runnerID))
	if entry == nil || len(entry.inTensors) == 0 {
		if n != nil {
			*n = 0
		}
		return nil
	}
	count := len(entry.inTensors)
	if n != nil {
		*n = C.uint(count)
	}
	arr := (*C.struct_tensor_data_t)(C.malloc(C.size_t(count) * C.size_t(unsafe.Sizeof(C.struct_tensor_data_t{}))))
	out := unsafe.Slice(arr, count)
	for i, t := range entry.inTensors {
		dims := len(t.shape)
		if dims > 8 {
			dims = 8
		}
		out[i].dims = C.uint(dims)
		for d := 0; d < dims; d++ {
			out[i].shape[d] = C.uint(t.shape[d])
		}
		out[i].dtype = C.uint(t.dtype)
		out[i].data = nil
	}
	return arr
}

// release_input_info frees an array returned by get_input_info. Its
// tensor_data_t entries never carry a data pointer, so there is nothing
// to free but the array itself.
//
//export release_input_info
func release_input_info(info *C.struct_tensor_data_t) {
	if info != nil {
		C.free(unsafe.Pointer(info))
	}
}

// get_runner_durations writes runner_id's current per-stage mean
// durations, in nanoseconds, into a newly malloc'd array in stage-name
// sorted order, and sets *n to its length. The caller owns the result
// and must C.free it (no data pointers are embedded, so a plain free
// suffices; there is no release_runner_durations).
//
//export get_runner_durations
func get_runner_durations(runnerID C.uint, n *C.uint) *C.double {
	entry := lookup(uint32(runnerID))
	if entry == nil {
		if n != nil {
			*n = 0
		}
		return nil
	}
	stages, _, _, _ := entry.stats.Snapshot()
	if len(stages) == 0 {
		if n != nil {
			*n = 0
		}
		return nil
	}
	if n != nil {
		*n = C.uint(len(stages))
	}
	arr := (*C.double)(C.malloc(C.size_t(len(stages)) * C.size_t(unsafe.Sizeof(C.double(0)))))
	out := unsafe.Slice(arr, len(stages))
	for i, s := range stages {
		out[i] = C.double(s.Mean.Nanoseconds())
	}
	return arr
}
