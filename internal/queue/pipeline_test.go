package queue

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addOne(_ struct{}, in int, out int) (StageResult, int, error) {
	return Produced, in + 1, nil
}

func timesTwo(_ struct{}, in int, out int) (StageResult, int, error) {
	return Produced, in * 2, nil
}

// ES1: single pipeline, two stages +1 then x2. Push 0..5, expect
// {2,4,6,8,10,12} in order.
func TestPipeline_ES1_TwoStagesOrderPreserved(t *testing.T) {
	p := NewPipeline[int, int, struct{}](struct{}{}, "es1")
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "plus-one", addOne, nil))
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "times-two", timesTwo, nil))
	require.NoError(t, p.Start())

	for i := 0; i <= 5; i++ {
		p.Push(i)
	}
	require.NoError(t, p.Join())

	var got []int
	for {
		v, ok := p.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12}, got)
}

// Pipeline integrity (spec.md §8 property 4): no item duplicated or
// lost across a multi-stage pipeline.
func TestPipeline_Integrity_NoDuplicationOrLoss(t *testing.T) {
	p := NewPipeline[int, int, struct{}](struct{}{}, "integrity")
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "plus-one", addOne, nil))
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "times-two", timesTwo, nil))
	require.NoError(t, p.Start())

	const n = 500
	go func() {
		for i := 0; i < n; i++ {
			p.Push(i)
		}
		p.Join()
	}()

	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		v, ok := p.WaitAndPop()
		require.True(t, ok, "expected %d outputs, got %d", n, i)
		seen[v]++
	}
	_, ok := p.WaitAndPop()
	assert.False(t, ok)

	for i := 0; i < n; i++ {
		want := (i + 1) * 2
		assert.Equal(t, 1, seen[want], "value %d should appear exactly once", want)
	}
}

// Buffer recycling (spec.md §8 property 6): with a resource queue of
// size R on a stage, concurrent in-flight items at that stage never
// exceed R.
func TestPipeline_BufferRecycling_BoundedInFlight(t *testing.T) {
	type buf struct{ n int }

	const resources = 2
	pool := make([]*buf, resources)
	for i := range pool {
		pool[i] = &buf{}
	}

	var inFlight atomic.Int32
	var maxObserved atomic.Int32
	slow := func(_ struct{}, in int, out *buf) (StageResult, *buf, error) {
		n := inFlight.Add(1)
		for {
			cur := maxObserved.Load()
			if n <= cur || maxObserved.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		out.n = in
		inFlight.Add(-1)
		return Produced, out, nil
	}

	// The final stage may not own a resource queue, so a sink stage
	// follows "slow"; it returns each buffer to slow's resource queue and
	// emits a copy.
	sink := func(_ struct{}, in *buf, _ *buf) (StageResult, *buf, error) {
		return Produced, &buf{n: in.n}, nil
	}

	p := NewPipeline[int, *buf, struct{}](struct{}{}, "recycle")
	require.NoError(t, AddStage[int, *buf, struct{}, int, *buf](p, "slow", slow, pool))
	require.NoError(t, AddStage[int, *buf, struct{}, *buf, *buf](p, "sink", sink, nil))
	require.NoError(t, p.Start())

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			p.Push(i)
		}
		p.Join()
	}()

	count := 0
	for {
		_, ok := p.WaitAndPop()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, n, count)
	assert.LessOrEqual(t, int(maxObserved.Load()), resources)
}

// Destruction safety (spec.md §8 property 8, ES5): constructing a
// pipeline, adding stages, but never starting it, must not spawn threads
// or invoke user functions.
func TestPipeline_ES5_NeverStartedLeaksNothing(t *testing.T) {
	invoked := false
	fn := func(_ struct{}, in int, out int) (StageResult, int, error) {
		invoked = true
		return Produced, in, nil
	}
	p := NewPipeline[int, int, struct{}](struct{}{}, "es5")
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "noop", fn, nil))
	_ = p // dropped without Start()
	assert.False(t, invoked)
}

// ES6: user function failure. Stage returns invalid on input=7. Outputs
// for 5,6,8 are valid; output for 7 is marked invalid but still
// delivered in order.
func TestPipeline_ES6_UserFailureStillDelivered(t *testing.T) {
	type item struct {
		v     int
		valid bool
	}
	failOnSeven := func(_ struct{}, in int, out item) (StageResult, item, error) {
		if in == 7 {
			return Failed, item{v: in, valid: false}, nil
		}
		return Produced, item{v: in, valid: true}, nil
	}

	p := NewPipeline[int, item, struct{}](struct{}{}, "es6")
	require.NoError(t, AddStage[int, item, struct{}, int, item](p, "maybe-fail", failOnSeven, nil))
	require.NoError(t, p.Start())

	for _, v := range []int{5, 6, 7, 8} {
		p.Push(v)
	}
	require.NoError(t, p.Join())

	var got []item
	for {
		v, ok := p.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Len(t, got, 4)
	want := []item{{5, true}, {6, true}, {7, false}, {8, true}}
	assert.Equal(t, want, got)
}

func TestAddStage_TypeMismatchIsConfigError(t *testing.T) {
	p := NewPipeline[int, int, struct{}](struct{}{}, "mismatch")
	badFn := func(_ struct{}, in string, out int) (StageResult, int, error) {
		return Produced, 0, nil
	}
	err := AddStage[int, int, struct{}, string, int](p, "bad", badFn, nil)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPipeline_FinalStageWithResourceQueueRejectedAtStart(t *testing.T) {
	p := NewPipeline[int, int, struct{}](struct{}{}, "bad-final")
	fn := func(_ struct{}, in int, out int) (StageResult, int, error) {
		return Produced, in, nil
	}
	require.NoError(t, AddStage[int, int, struct{}, int, int](p, "s1", fn, []int{1, 2}))
	err := p.Start()
	require.Error(t, err)
}

func TestPipeline_ExampleUsageCompiles(t *testing.T) {
	// Smoke test exercising Name/State/Context accessors used elsewhere.
	p := NewPipeline[int, int, struct{}](struct{}{}, "smoke")
	assert.Equal(t, StateConstructed, p.State())
	assert.Equal(t, "smoke", p.Name)
	assert.Equal(t, fmt.Sprintf("%v", struct{}{}), fmt.Sprintf("%v", p.Context()))
}
