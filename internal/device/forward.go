package device

import (
	"fmt"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// Forward runs one inference call against networkName: applies in
// filters, pads to the network's static batch, launches, trims back to
// the runtime batch, then applies out filters (spec.md §4.6's
// engine-provided Forward stage). async is forwarded to the Device
// Runtime; callers that pass true are expected to follow up with
// ThreadSync before reading outs.
func (c *Context) Forward(networkName string, ins, outs interfaces.TensorVec, async bool) error {
	if err := ApplyFiltersVec(c.InFilters, ins); err != nil {
		return err
	}
	info, err := c.NetworkInfo(networkName)
	if err != nil {
		return err
	}
	paddedIns, paddedOuts, runtimeBatch := PadBatch(info, ins, outs)
	if err := c.runtime.LaunchTensorEx(c.rt, networkName, paddedIns, paddedOuts, false, async); err != nil {
		return fmt.Errorf("launch_tensor_ex %q: %w", networkName, err)
	}
	trimmed := TrimBatch(paddedOuts, runtimeBatch)
	copy(outs, trimmed)
	return ApplyFiltersVec(c.OutFilters, outs)
}

// PadBatch pads ins/outs up to the network's static batch size before
// launch, returning the padded vectors and the original runtime batch
// size so the caller can trim results back down afterward (spec.md §4.6
// "Batch": "Forward pads runtime batch up to network's static batch size
// for launch, resets after"). Dynamic networks are returned unchanged.
func PadBatch(info interfaces.NetworkInfo, ins, outs interfaces.TensorVec) (paddedIns, paddedOuts interfaces.TensorVec, runtimeBatch int) {
	runtimeBatch = len(ins)
	if info.IsDynamic || info.StaticBatch <= runtimeBatch {
		return ins, outs, runtimeBatch
	}
	pad := info.StaticBatch - runtimeBatch
	paddedIns = append(append(interfaces.TensorVec{}, ins...), make(interfaces.TensorVec, pad)...)
	paddedOuts = append(append(interfaces.TensorVec{}, outs...), make(interfaces.TensorVec, pad)...)
	for i := runtimeBatch; i < len(paddedIns); i++ {
		paddedIns[i] = ins[runtimeBatch-1]
		paddedOuts[i] = outs[runtimeBatch-1]
	}
	return paddedIns, paddedOuts, runtimeBatch
}

// TrimBatch restores a padded output vector to its original runtime
// batch size after launch.
func TrimBatch(outs interfaces.TensorVec, runtimeBatch int) interfaces.TensorVec {
	if runtimeBatch >= len(outs) {
		return outs
	}
	return outs[:runtimeBatch]
}

// ApplyFilters runs each filter over t in order, short-circuiting on the
// first error (spec.md §4.5 in_filters/out_filters).
func ApplyFilters(filters []TensorFilter, t interfaces.Tensor) (interfaces.Tensor, error) {
	var err error
	for _, f := range filters {
		t, err = f(t)
		if err != nil {
			return t, err
		}
	}
	return t, nil
}

// ApplyFiltersVec runs ApplyFilters over every tensor in vec in place.
func ApplyFiltersVec(filters []TensorFilter, vec interfaces.TensorVec) error {
	for i := range vec {
		t, err := ApplyFilters(filters, vec[i])
		if err != nil {
			return err
		}
		vec[i] = t
	}
	return nil
}
