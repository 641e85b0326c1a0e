package bmservice

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/behrlich/go-bmservice/internal/device"
	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// The runner's engine-provided Forward stage only moves bytes
// (SimRuntime.LaunchTensorEx echoes input bytes to output bytes), so
// these tests model spec.md's ES1/ES2 "+1 then x2" pipeline by doing the
// +1 in Preprocess and the x2 in Postprocess, with Forward as a
// pass-through in between — a deliberately simple stand-in network,
// the same role the "echo model" example fills.

func putU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func getU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func newTestRunner(t *testing.T, k int, failOn string) *Runner[int, int] {
	t.Helper()
	ids := make([]int, k)
	for i := range ids {
		ids[i] = i
	}
	rt := device.NewSimRuntime(ids)
	rt.Models["model.bin"] = interfaces.NetworkInfo{
		Name:         "net",
		InputNames:   []string{"x"},
		OutputNames:  []string{"y"},
		InputDtypes:  []interfaces.DType{interfaces.DTypeU32},
		OutputDtypes: []interfaces.DType{interfaces.DTypeU32},
		InputShapes:  [][]uint32{{1}},
		OutputShapes: [][]uint32{{1}},
		IsDynamic:    true,
		StaticBatch:  1,
	}
	rt.FailLaunchOn = failOn

	pre := func(in int, tensors interfaces.TensorVec, ctx *device.Context) bool {
		return ctx.WriteTensorBytes(tensors[0], putU32(uint32(in+1))) == nil
	}
	post := func(in int, tensors interfaces.TensorVec, ctx *device.Context) (int, bool) {
		data, err := ctx.ReadTensorBytes(tensors[0])
		if err != nil {
			return 0, false
		}
		v := getU32(data)
		if in == 7 {
			return int(v) * 2, false
		}
		return int(v) * 2, true
	}

	r, err := NewRunner[int, int](RunnerParams[int, int]{
		DeviceIDs:      ids,
		ModelPath:      "model.bin",
		NetworkName:    "net",
		Runtime:        rt,
		Preprocess:     pre,
		Postprocess:    post,
		InputTemplate:  []TensorTemplate{{Name: "x", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
		OutputTemplate: []TensorTemplate{{Name: "y", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunner_ES1_SinglePipelinePreservesOrder(t *testing.T) {
	r := newTestRunner(t, 1, "")
	defer r.Join()

	for n := 0; n <= 5; n++ {
		r.Submit(n)
	}

	want := []int{2, 4, 6, 8, 10, 12}
	for i, w := range want {
		res, ok := r.WaitAndPop()
		if !ok {
			t.Fatalf("item %d: expected a result, got none", i)
		}
		if res.Value != w {
			t.Errorf("item %d: got %d, want %d", i, res.Value, w)
		}
		if !res.Status.Valid {
			t.Errorf("item %d: expected valid status", i)
		}
	}
}

func TestRunner_ES2_PoolDeliversMultisetAcrossSiblings(t *testing.T) {
	r := newTestRunner(t, 2, "")
	defer r.Join()

	for n := 1; n <= 100; n++ {
		r.Submit(n)
	}

	counts := make(map[int]int)
	for i := 0; i < 100; i++ {
		res, ok := r.WaitAndPop()
		if !ok {
			t.Fatalf("result %d: expected a value, got none", i)
		}
		counts[res.Value]++
	}
	if len(counts) != 100 {
		t.Fatalf("expected 100 distinct output values, got %d", len(counts))
	}
	for n := 1; n <= 100; n++ {
		want := 2 * (n + 1)
		if counts[want] != 1 {
			t.Errorf("expected output %d exactly once, got %d", want, counts[want])
		}
	}
}

func TestRunner_ES6_UserFunctionFailureStillDelivered(t *testing.T) {
	r := newTestRunner(t, 1, "")
	defer r.Join()

	for _, n := range []int{5, 6, 7, 8} {
		r.Submit(n)
	}

	want := map[int]struct {
		value int
		valid bool
	}{
		0: {12, true},
		1: {14, true},
		2: {16, false},
		3: {18, true},
	}
	for i := 0; i < 4; i++ {
		res, ok := r.WaitAndPop()
		if !ok {
			t.Fatalf("item %d: expected a result", i)
		}
		w := want[i]
		if res.Value != w.value || res.Status.Valid != w.valid {
			t.Errorf("item %d: got value=%d valid=%v, want value=%d valid=%v", i, res.Value, res.Status.Valid, w.value, w.valid)
		}
	}
}

func TestRunner_StopOneDeviceLeavesTheRestRunning(t *testing.T) {
	ids := []int{0, 1}
	rt := device.NewSimRuntime(ids)
	rt.Models["model.bin"] = interfaces.NetworkInfo{
		Name: "net", InputNames: []string{"x"}, OutputNames: []string{"y"},
		InputDtypes: []interfaces.DType{interfaces.DTypeU32}, OutputDtypes: []interfaces.DType{interfaces.DTypeU32},
		InputShapes: [][]uint32{{1}}, OutputShapes: [][]uint32{{1}}, IsDynamic: true, StaticBatch: 1,
	}

	pre := func(in int, tensors interfaces.TensorVec, ctx *device.Context) bool {
		return ctx.WriteTensorBytes(tensors[0], putU32(uint32(in))) == nil
	}
	post := func(in int, tensors interfaces.TensorVec, ctx *device.Context) (int, bool) {
		data, _ := ctx.ReadTensorBytes(tensors[0])
		return int(getU32(data)), true
	}

	r, err := NewRunner[int, int](RunnerParams[int, int]{
		DeviceIDs: ids, ModelPath: "model.bin", NetworkName: "net", Runtime: rt,
		Preprocess: pre, Postprocess: post,
		InputTemplate:  []TensorTemplate{{Name: "x", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
		OutputTemplate: []TensorTemplate{{Name: "y", Shape: []uint32{1}, Dtype: interfaces.DTypeU32}},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	if err := r.Stop(0); err != nil {
		t.Fatalf("Stop(0): %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if r.AllStopped() {
		t.Error("expected device 1 to still be running after Stop(0)")
	}
	if err := r.Stop(StopAllDevices); err != nil {
		t.Fatalf("Stop(all): %v", err)
	}
}

func TestRunner_NeverStartedConfigErrorLeaksNothing(t *testing.T) {
	rt := device.NewSimRuntime(nil)
	_, err := NewRunner[int, int](RunnerParams[int, int]{
		DeviceIDs: nil, ModelPath: "model.bin", NetworkName: "net", Runtime: rt,
	})
	if err == nil {
		t.Fatal("expected an error when no devices are available")
	}
	if !IsCode(err, ErrCodeConfig) {
		t.Errorf("expected ErrCodeConfig, got %v", err)
	}
}
