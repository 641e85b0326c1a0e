package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Queue FIFO (spec.md §8 property 1): single producer, single consumer,
// popped sequence equals pushed sequence.
func TestBoundedQueue_FIFO(t *testing.T) {
	q := NewBoundedQueue[int](0)
	const n = 200

	done := make(chan struct{})
	var got []int
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			v, ok := q.WaitAndPop()
			require.True(t, ok)
			got = append(got, v)
		}
	}()

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	<-done

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

// Queue join/drain (spec.md §8 property 2, ES4): after pushing v1..vn and
// joining, wait_and_pop returns exactly v1..vn then None for every
// subsequent caller.
func TestBoundedQueue_JoinDrain(t *testing.T) {
	q := NewBoundedQueue[int](0)
	q.Push(10)
	q.Push(20)
	q.Push(30)
	q.Join()

	v, ok := q.WaitAndPop()
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	v, ok = q.WaitAndPop()
	assert.True(t, ok)
	assert.Equal(t, 20, v)

	v, ok = q.WaitAndPop()
	assert.True(t, ok)
	assert.Equal(t, 30, v)

	_, ok = q.WaitAndPop()
	assert.False(t, ok)

	_, ok = q.WaitAndPop()
	assert.False(t, ok)
}

// Join wakes blocked waiters even when the queue never receives another
// push.
func TestBoundedQueue_JoinWakesBlockedWaiters(t *testing.T) {
	q := NewBoundedQueue[int](0)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := q.WaitAndPop()
			results[i] = ok
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let goroutines reach the wait
	q.Join()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not wake blocked waiters")
	}
	for _, ok := range results {
		assert.False(t, ok)
	}
}

// Bounded push (spec.md §8 property 3, ES3): count never exceeds
// capacity, and a blocked push wakes within one pop.
func TestBoundedQueue_BoundedPush(t *testing.T) {
	q := NewBoundedQueue[int](2)

	q.Push(1)
	q.Push(2)
	assert.False(t, q.CanPush())

	pushed := make(chan struct{})
	go func() {
		q.Push(3) // must block until a pop makes room
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push proceeded past capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.TryPop()
	require.True(t, ok)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("blocked push did not wake after a pop")
	}
	assert.LessOrEqual(t, q.Len(), 2)
}

func TestBoundedQueue_TryPopEmpty(t *testing.T) {
	q := NewBoundedQueue[string](0)
	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestBoundedQueue_SetCapacity(t *testing.T) {
	q := NewBoundedQueue[int](1)
	q.Push(1)
	assert.False(t, q.CanPush())
	q.SetCapacity(2)
	assert.True(t, q.CanPush())
}
