package device

import (
	"testing"

	"github.com/behrlich/go-bmservice/internal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime() *SimRuntime {
	r := NewSimRuntime([]int{0, 1})
	r.Models["model.bin"] = interfaces.NetworkInfo{
		Name:        "net",
		InputNames:  []string{"in"},
		OutputNames: []string{"out"},
		StaticBatch: 4,
	}
	return r
}

func TestContext_New_LoadsModelAndExposesNetworkInfo(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 0, "model.bin")
	require.NoError(t, err)
	defer ctx.Close()

	info, err := ctx.NetworkInfo("net")
	require.NoError(t, err)
	assert.Equal(t, 4, info.StaticBatch)
}

func TestContext_New_UnknownModelFails(t *testing.T) {
	rt := newTestRuntime()
	_, err := New(rt, 0, "missing.bin")
	assert.Error(t, err)
}

func TestContext_AllocFreeDeviceMem_RoundTrip(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 0, "model.bin")
	require.NoError(t, err)
	defer ctx.Close()

	mem, err := ctx.AllocDeviceMem(1024)
	require.NoError(t, err)
	require.NoError(t, ctx.FreeDeviceMem(mem))
}

func TestContext_FreeDeviceMem_UnknownAllocationFails(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 0, "model.bin")
	require.NoError(t, err)
	defer ctx.Close()

	foreign, err := ctx.AllocDeviceMem(64)
	require.NoError(t, err)
	require.NoError(t, ctx.FreeDeviceMem(foreign))

	err = ctx.FreeDeviceMem(foreign)
	assert.Error(t, err, "freeing an already-released allocation must fail")
}

func TestContext_GetOrAllocNamedMem_InternsAcrossCalls(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 0, "model.bin")
	require.NoError(t, err)
	defer ctx.Close()

	m1, err := ctx.GetOrAllocNamedMem("scratch", 256)
	require.NoError(t, err)
	m2, err := ctx.GetOrAllocNamedMem("scratch", 256)
	require.NoError(t, err)
	assert.Equal(t, rt.MemAddr(m1), rt.MemAddr(m2))
}

func TestContext_AllocImages_FreeImages(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 0, "model.bin")
	require.NoError(t, err)
	defer ctx.Close()

	batch, err := ctx.AllocImages(3, 128)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.NoError(t, ctx.FreeImages(batch))
}

// Close must release every outstanding allocation in reverse order and be
// idempotent (spec.md §4.5).
func TestContext_Close_ReleasesEverythingAndIsIdempotent(t *testing.T) {
	rt := newTestRuntime()
	ctx, err := New(rt, 1, "model.bin")
	require.NoError(t, err)

	_, err = ctx.AllocDeviceMem(32)
	require.NoError(t, err)
	_, err = ctx.GetOrAllocNamedMem("named", 32)
	require.NoError(t, err)
	_, err = ctx.AllocImages(2, 16)
	require.NoError(t, err)

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
}

func TestPadBatch_PadsStaticDynamicNetworkAndTrimsBack(t *testing.T) {
	info := interfaces.NetworkInfo{StaticBatch: 4}
	ins := interfaces.TensorVec{{Name: "a"}, {Name: "b"}}
	outs := interfaces.TensorVec{{Name: "oa"}, {Name: "ob"}}

	paddedIns, paddedOuts, runtimeBatch := PadBatch(info, ins, outs)
	assert.Equal(t, 2, runtimeBatch)
	assert.Len(t, paddedIns, 4)
	assert.Len(t, paddedOuts, 4)

	trimmed := TrimBatch(paddedOuts, runtimeBatch)
	assert.Len(t, trimmed, 2)
}

func TestPadBatch_DynamicNetworkUnchanged(t *testing.T) {
	info := interfaces.NetworkInfo{IsDynamic: true, StaticBatch: 8}
	ins := interfaces.TensorVec{{Name: "a"}}
	outs := interfaces.TensorVec{{Name: "oa"}}
	paddedIns, paddedOuts, runtimeBatch := PadBatch(info, ins, outs)
	assert.Equal(t, 1, runtimeBatch)
	assert.Len(t, paddedIns, 1)
	assert.Len(t, paddedOuts, 1)
}
