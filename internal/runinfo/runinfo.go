// Package runinfo implements RunInfo (C3): the whole-DAG execution state
// shared by every device worker that touches a run, plus the per-device
// "shallow copy" (DeviceView) that C5/C6 actually move through queues.
package runinfo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/tensor"
)

// ClientHandle abstracts the host store's block-client/unblock-client/
// reply primitives (out of scope per spec.md §1/§6; this is the consumed
// interface).
type ClientHandle interface {
	// Unblock delivers the assembled wire reply and releases the client.
	Unblock(reply []byte)
	// Discarded reports whether the client already disconnected; the run
	// still executes to completion but its reply is dropped.
	Discarded() bool
}

// Shared is the state genuinely shared across every device copy of a
// RunInfo: the tensor slot array, completion/error bookkeeping and the
// reference count. It is guarded by a single reader-writer lock as
// mandated by §3.
type Shared struct {
	mu    sync.RWMutex
	slots []*tensor.Tensor

	completeOpCount atomic.Int64
	errorFlag       atomic.Bool
	errMu           sync.Mutex
	err             error

	refCount atomic.Int32
	timedOut atomic.Bool
}

func newShared(numSlots int) *Shared {
	return &Shared{slots: make([]*tensor.Tensor, numSlots)}
}

// Slot reads a slot under the read lock. ok is false if unrealised.
func (s *Shared) Slot(idx int) (t *tensor.Tensor, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t = s.slots[idx]
	return t, t != nil
}

// SetSlot installs a tensor under the write lock. It is a programming
// error to call this twice for the same index; alpha-conversion at parse
// time guarantees each slot has exactly one writer (invariant 1, §8).
func (s *Shared) SetSlot(idx int, t *tensor.Tensor) {
	s.mu.Lock()
	s.slots[idx] = t
	s.mu.Unlock()
}

// CompleteOpCount is monotonically non-decreasing (invariant 2, §8).
func (s *Shared) CompleteOpCount() int64 { return s.completeOpCount.Load() }

func (s *Shared) advanceCompleteOpCount() { s.completeOpCount.Add(1) }

// ErrorFlag reports whether any op in the DAG has errored.
func (s *Shared) ErrorFlag() bool { return s.errorFlag.Load() }

// Err returns the first error recorded, if any.
func (s *Shared) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SetErrorOnce CASes the error flag; only the first caller's error is
// kept (invariant: error_flag is set at most once, §3).
func (s *Shared) SetErrorOnce(err error) {
	if s.errorFlag.CompareAndSwap(false, true) {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
	}
}

func (s *Shared) dropRef() int32      { return s.refCount.Add(-1) }
func (s *Shared) RefCount() int32     { return s.refCount.Load() }
func (s *Shared) TimedOut() bool      { return s.timedOut.Load() }
func (s *Shared) MarkTimedOut() bool  { return s.timedOut.CompareAndSwap(false, true) }

// RunInfo is one DAG's execution record.
type RunInfo struct {
	*Shared

	ID string

	Ops          []*op.Op
	PersistSlots map[string]int // demangled key -> slot index
	OpCount      int

	// DeviceViews maps a device string to the ordered indices into Ops
	// whose Device matches. Built by the parser (§4.1 step 6).
	DeviceViews map[string][]int

	TimeoutMs int64
	QueuedAt  time.Time

	ClientHandle ClientHandle
	OnFinish     func(*RunInfo)

	SingleOpDag     bool
	SingleDeviceDag bool

	unblockOnce sync.Once
}

// New builds a RunInfo with numSlots shared tensor slots.
func New(ops []*op.Op, numSlots int, persistSlots map[string]int, timeoutMs int64) *RunInfo {
	ri := &RunInfo{
		Shared:       newShared(numSlots),
		ID:           uuid.NewString(),
		Ops:          ops,
		PersistSlots: persistSlots,
		OpCount:      len(ops),
		DeviceViews:  map[string][]int{},
		TimeoutMs:    timeoutMs,
		QueuedAt:     time.Now(),
	}
	for i, o := range ops {
		ri.DeviceViews[o.Device] = append(ri.DeviceViews[o.Device], i)
	}
	ri.SingleOpDag = len(ops) == 1
	ri.SingleDeviceDag = len(ri.DeviceViews) == 1
	ri.refCount.Store(int32(len(ri.DeviceViews)))
	return ri
}

// IsExpired reports whether now has passed QueuedAt+TimeoutMs. Checked
// only at dequeue per §4.5/§9 (preserved semantics, not interrupting
// in-flight backend calls).
func (ri *RunInfo) IsExpired(now time.Time) bool {
	if ri.TimeoutMs <= 0 {
		return false
	}
	return now.Sub(ri.QueuedAt) >= time.Duration(ri.TimeoutMs)*time.Millisecond
}

// AdvanceOp marks an op successful and installs its outputs, or records
// the DAG's first error. It advances the shared completion counter on
// success. Call under no external lock; it manages its own.
func (ri *RunInfo) AdvanceOp(idx int, outputs []*tensor.Tensor, runErr error) {
	o := ri.Ops[idx]
	if runErr != nil {
		o.Result = op.Err
		o.Err = runErr
		ri.SetErrorOnce(runErr)
		return
	}
	for i, slot := range o.OutIndices {
		if i < len(outputs) {
			ri.SetSlot(slot, outputs[i])
		}
	}
	o.Result = op.Ok
	ri.advanceCompleteOpCount()
}

// OpInputsReady reports whether every input slot of Ops[idx] is populated.
func (ri *RunInfo) OpInputsReady(idx int) bool {
	for _, slot := range ri.Ops[idx].InIndices {
		if _, ok := ri.Slot(slot); !ok {
			return false
		}
	}
	return true
}

// AllDeviceViewsComplete reports completion across the whole DAG: either
// every op ran, or the error flag short-circuited the rest.
func (ri *RunInfo) AllDeviceViewsComplete() bool {
	return ri.CompleteOpCount() >= int64(ri.OpCount) || ri.ErrorFlag()
}

// ReleaseDeviceView decrements ref count on behalf of one finished device
// view and reports whether this was the last live view.
func (ri *RunInfo) ReleaseDeviceView() (last bool) {
	return ri.dropRef() == 0
}

// Finish unblocks the client exactly once, then invokes OnFinish if set.
// Safe to call from multiple device workers racing to finish last.
func (ri *RunInfo) Finish(reply []byte) {
	ri.unblockOnce.Do(func() {
		if ri.ClientHandle != nil && !ri.ClientHandle.Discarded() {
			ri.ClientHandle.Unblock(reply)
		}
		if ri.OnFinish != nil {
			ri.OnFinish(ri)
		}
	})
}

// DeviceView is the per-device "shallow copy" of a RunInfo that
// Scheduler.Submit enqueues onto C5 (§2 data flow, §3 Ownership). It shares Shared,
// Ops, DeviceViews and PersistSlots with the RunInfo it derives from, and
// owns its own cursor and per-device completion counter.
type DeviceView struct {
	*RunInfo
	Device string

	// opIndices is this device's ordered view into RunInfo.Ops.
	opIndices []int
	// cursor indexes into opIndices: the next op this device view must run.
	cursor int
	// completeCount is this device view's own counter — explicitly NOT
	// shared with other device views (§3: "per-view, not shared").
	completeCount int
}

// NewDeviceView constructs one device's queue item for ri. Ref counting
// for this view was already seeded by New (one ref per distinct device).
func NewDeviceView(ri *RunInfo, device string) *DeviceView {
	return &DeviceView{RunInfo: ri, Device: device, opIndices: ri.DeviceViews[device]}
}

// CurrentOpIndex returns the index into RunInfo.Ops of the op this device
// view is about to run, or -1 if the view is exhausted.
func (dv *DeviceView) CurrentOpIndex() int {
	if dv.cursor >= len(dv.opIndices) {
		return -1
	}
	return dv.opIndices[dv.cursor]
}

// Advance moves the cursor forward one op and bumps the device-local
// completion counter.
func (dv *DeviceView) Advance() {
	dv.cursor++
	dv.completeCount++
}

// Exhausted reports whether this device view has run every op assigned
// to it (or the DAG has errored, short-circuiting the rest).
func (dv *DeviceView) Exhausted() bool {
	return dv.cursor >= len(dv.opIndices) || dv.ErrorFlag()
}

// NextOpInputsReady reports whether the next unrun op on this device view
// has every input slot populated.
func (dv *DeviceView) NextOpInputsReady() bool {
	idx := dv.CurrentOpIndex()
	if idx < 0 {
		return false
	}
	return dv.OpInputsReady(idx)
}
