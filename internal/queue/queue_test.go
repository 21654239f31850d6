package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/runinfo"
)

func newTestDeviceView(device string) *runinfo.DeviceView {
	ops := []*op.Op{{Kind: op.TensorSet, OutIndices: []int{0}, Device: device}}
	ri := runinfo.New(ops, 1, nil, 0)
	return runinfo.NewDeviceView(ri, device)
}

func TestWaitForWorkBlocksUntilPush(t *testing.T) {
	q := New("CPU")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	woke := make(chan bool, 1)
	go func() { woke <- q.WaitForWork(ctx) }()

	select {
	case <-woke:
		t.Fatal("WaitForWork returned before any work was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	q.PushBack(newTestDeviceView("CPU"))

	select {
	case ok := <-woke:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWork never woke after PushBack")
	}
}

func TestWaitForWorkReturnsFalseOnClose(t *testing.T) {
	q := New("CPU")
	ctx := context.Background()

	woke := make(chan bool, 1)
	go func() { woke <- q.WaitForWork(ctx) }()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-woke:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWork never woke after Close")
	}
}

func TestWaitForWorkReturnsFalseOnContextCancel(t *testing.T) {
	q := New("CPU")
	ctx, cancel := context.WithCancel(context.Background())

	woke := make(chan bool, 1)
	go func() { woke <- q.WaitForWork(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	// ctx.Err() is only rechecked when the cond wakes; Close (or a future
	// PushBack) is what actually wakes the waiter, same as the real shutdown
	// path where scheduler.RunDeviceWorkers closes the queue on ctx.Done().
	q.Close()

	select {
	case ok := <-woke:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForWork never woke after cancel+Close")
	}
}

func TestFIFOOrder(t *testing.T) {
	q := New("CPU")
	a := newTestDeviceView("CPU")
	b := newTestDeviceView("CPU")
	c := newTestDeviceView("CPU")
	q.PushBack(a)
	q.PushBack(b)
	q.PushBack(c)

	q.Lock()
	defer q.Unlock()
	require.Equal(t, 3, q.LenLocked())
	require.Same(t, a, q.RemoveAtLocked(0))
	require.Same(t, b, q.RemoveAtLocked(0))
	require.Same(t, c, q.RemoveAtLocked(0))
	require.Equal(t, 0, q.LenLocked())
}

func TestPushFrontLocked(t *testing.T) {
	q := New("CPU")
	a := newTestDeviceView("CPU")
	b := newTestDeviceView("CPU")
	q.PushBack(a)

	q.Lock()
	q.PushFrontLocked(b)
	require.Same(t, b, q.ItemsLocked()[0])
	require.Same(t, a, q.ItemsLocked()[1])
	q.Unlock()
}

func TestRotateSecondToFrontLocked(t *testing.T) {
	q := New("CPU")
	a := newTestDeviceView("CPU")
	b := newTestDeviceView("CPU")
	q.PushBack(a)
	q.PushBack(b)

	q.Lock()
	q.RotateSecondToFrontLocked()
	require.Same(t, b, q.ItemsLocked()[0])
	require.Same(t, a, q.ItemsLocked()[1])
	q.Unlock()

	// A single-item queue is left untouched.
	solo := New("GPU:0")
	solo.PushBack(newTestDeviceView("GPU:0"))
	solo.Lock()
	solo.RotateSecondToFrontLocked()
	require.Equal(t, 1, solo.LenLocked())
	solo.Unlock()
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	q1 := r.GetOrCreate("CPU")
	q2 := r.GetOrCreate("CPU")
	require.Same(t, q1, q2)

	r.GetOrCreate("GPU:0")
	require.Len(t, r.All(), 2)
}
