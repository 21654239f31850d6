package runinfo

import (
	"errors"
	"sync"
	"testing"

	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/tensor"
)

type fakeClient struct {
	mu        sync.Mutex
	reply     []byte
	unblocked bool
}

func (f *fakeClient) Unblock(reply []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
	f.unblocked = true
}

func (f *fakeClient) Discarded() bool { return false }

func twoDeviceOps() []*op.Op {
	return []*op.Op{
		{Kind: op.TensorSet, Device: "CPU", OutIndices: []int{0}},
		{Kind: op.ModelRun, Device: "GPU:0", InIndices: []int{0}, OutIndices: []int{1}},
	}
}

func TestFastPathFlagsAndRefCount(t *testing.T) {
	ri := New(twoDeviceOps(), 2, nil, 0)
	if ri.SingleOpDag {
		t.Fatal("expected multi-op dag")
	}
	if ri.SingleDeviceDag {
		t.Fatal("expected multi-device dag")
	}
	if ri.RefCount() != 2 {
		t.Fatalf("expected ref count 2 for two device views, got %d", ri.RefCount())
	}
}

func TestMonotoneCompletion(t *testing.T) {
	ri := New(twoDeviceOps(), 2, nil, 0)
	dt := tensor.DType{Kind: tensor.KindFloat, Width: 32}
	out := tensor.New(dt, []int64{1}, []byte{0, 0, 0, 0})

	if ri.AllDeviceViewsComplete() {
		t.Fatal("should not be complete before any op runs")
	}
	ri.AdvanceOp(0, []*tensor.Tensor{out}, nil)
	if ri.CompleteOpCount() != 1 {
		t.Fatalf("expected complete count 1, got %d", ri.CompleteOpCount())
	}
	ri.AdvanceOp(1, []*tensor.Tensor{out}, nil)
	if ri.CompleteOpCount() != 2 {
		t.Fatalf("expected complete count 2, got %d", ri.CompleteOpCount())
	}
	if !ri.AllDeviceViewsComplete() {
		t.Fatal("expected completion once complete_op_count == op_count")
	}
}

func TestErrorFlagSetOnce(t *testing.T) {
	ri := New(twoDeviceOps(), 2, nil, 0)
	first := errors.New("first error")
	second := errors.New("second error")
	ri.AdvanceOp(0, nil, first)
	ri.AdvanceOp(1, nil, second)
	if ri.Err() != first {
		t.Fatalf("expected first error to win, got %v", ri.Err())
	}
}

func TestFinishUnblocksExactlyOnce(t *testing.T) {
	ri := New(twoDeviceOps(), 2, nil, 0)
	fc := &fakeClient{}
	ri.ClientHandle = fc
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ri.Finish([]byte{byte(n)})
		}(i)
	}
	wg.Wait()
	if !fc.unblocked {
		t.Fatal("expected client to be unblocked")
	}
}

func TestRefCountReachesZeroOnceAllViewsRelease(t *testing.T) {
	ri := New(twoDeviceOps(), 2, nil, 0)
	if last := ri.ReleaseDeviceView(); last {
		t.Fatal("should not be last after releasing only one of two views")
	}
	if last := ri.ReleaseDeviceView(); !last {
		t.Fatal("should be last after releasing both views")
	}
}
