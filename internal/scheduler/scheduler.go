// Package scheduler implements the worker loop (C6): one goroutine pool
// per device, forming cross-request ModelRun batches under the queue
// mutex and executing outside it, grounded on original_source/src/
// background_workers.c's RedisAI_Run_ThreadMain worker+coordinator
// pattern.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/queue"
	"github.com/swarmguard/daginferd/internal/reply"
	"github.com/swarmguard/daginferd/internal/resilience"
	"github.com/swarmguard/daginferd/internal/runinfo"
	"github.com/swarmguard/daginferd/internal/stats"
	"github.com/swarmguard/daginferd/internal/tensor"
)

// spinDelay is the busy-spin throttle when a device's queue holds exactly
// one device view and it isn't ready to run (§4.3 step 4, preserved per
// §9 Open Questions rather than redesigned into a timer wheel).
const spinDelay = time.Millisecond

// backendRunRetryAttempts/backendRunRetryDelay bound the retry applied to
// a single backend dispatch once its circuit breaker allows the call
// through; a transient backend error (e.g. a momentary allocation
// failure) gets a couple of short-backoff attempts before it's recorded
// against the breaker and surfaced to the run as a failed op.
const (
	backendRunRetryAttempts = 2
	backendRunRetryDelay    = 10 * time.Millisecond
)

// Scheduler owns the per-device queues, dispatches ops to backends and
// drives every RunInfo to completion.
type Scheduler struct {
	queues   *queue.Registry
	backends *backend.Registry
	stats    *stats.Registry
	ks       keyspacePutter

	breakers map[string]*resilience.CircuitBreaker

	tracer trace.Tracer

	opsExecuted   metric.Int64Counter
	opsFailed     metric.Int64Counter
	batchSize     metric.Int64Histogram
	queueWaitUs   metric.Int64Histogram
	execDurUs     metric.Int64Histogram
}

// keyspacePutter is the subset of keyspace.Keyspace the reply assembler
// needs; declared here to avoid an import cycle with the reply package's
// own dependency on the concrete interface.
type keyspacePutter = reply.Keyspace

// New constructs a Scheduler. meter may be the no-op meter; tracer may be
// the no-op tracer.
func New(queues *queue.Registry, backends *backend.Registry, statsReg *stats.Registry, ks keyspacePutter, meter metric.Meter, tracer trace.Tracer) *Scheduler {
	opsExecuted, _ := meter.Int64Counter("daginferd_scheduler_ops_executed_total")
	opsFailed, _ := meter.Int64Counter("daginferd_scheduler_ops_failed_total")
	batchSize, _ := meter.Int64Histogram("daginferd_scheduler_batch_size")
	queueWaitUs, _ := meter.Int64Histogram("daginferd_scheduler_queue_wait_us")
	execDurUs, _ := meter.Int64Histogram("daginferd_scheduler_exec_duration_us")
	return &Scheduler{
		queues:      queues,
		backends:    backends,
		stats:       statsReg,
		ks:          ks,
		breakers:    map[string]*resilience.CircuitBreaker{},
		tracer:      tracer,
		opsExecuted: opsExecuted,
		opsFailed:   opsFailed,
		batchSize:   batchSize,
		queueWaitUs: queueWaitUs,
		execDurUs:   execDurUs,
	}
}

func (s *Scheduler) breakerFor(backendName string) *resilience.CircuitBreaker {
	if cb, ok := s.breakers[backendName]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 8, 0.5, 2*time.Second, 2)
	s.breakers[backendName] = cb
	return cb
}

// Submit fans a parsed RunInfo out to every device queue it touches
// (§4.1 step 6 / §2 data flow).
func (s *Scheduler) Submit(ri *runinfo.RunInfo) {
	for device := range ri.DeviceViews {
		dv := runinfo.NewDeviceView(ri, device)
		s.queues.GetOrCreate(device).PushBack(dv)
	}
}

// RunDeviceWorkers starts n worker goroutines for device, returning when
// ctx is cancelled and every worker has exited.
func (s *Scheduler) RunDeviceWorkers(ctx context.Context, device string, n int) {
	q := s.queues.GetOrCreate(device)
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			s.workerLoop(ctx, q)
			done <- struct{}{}
		}()
	}
	<-ctx.Done()
	q.Close()
	for i := 0; i < n; i++ {
		<-done
	}
}

// workerLoop is one device worker: dequeue, form a batch, execute, then
// advance or requeue every device view in the batch (§4.3).
func (s *Scheduler) workerLoop(ctx context.Context, q *queue.Queue) {
	for {
		if !q.WaitForWork(ctx) {
			return
		}

		q.Lock()
		if q.LenLocked() == 0 {
			q.Unlock()
			continue
		}
		front := q.RemoveAtLocked(0)

		if front.IsExpired(time.Now()) {
			q.Unlock()
			s.handleTimeout(front)
			continue
		}

		idx := front.CurrentOpIndex()
		if idx < 0 || front.ErrorFlag() {
			// Exhausted, or the DAG errored (possibly on another device
			// view) since this view was enqueued: release and finish
			// without running any further op.
			q.Unlock()
			s.retireDeviceView(front)
			continue
		}

		if !front.NextOpInputsReady() {
			// Cross-device producer hasn't published yet: park this view
			// and let another ready view (or the spin throttle) run next.
			parkNotReadyLocked(q, front)
			needSpin := q.LenLocked() == 1
			q.Unlock()
			q.Broadcast()
			if needSpin {
				time.Sleep(spinDelay)
			}
			continue
		}

		curOp := front.Ops[idx]
		batch := []*runinfo.DeviceView{front}
		if curOp.Kind == op.ModelRun && curOp.Batchsize > 1 {
			batch = s.formBatchLocked(q, front, curOp, batch)
		}
		q.Unlock()

		s.queueWaitUs.Record(ctx, time.Since(front.QueuedAt).Microseconds())
		s.executeBatch(ctx, curOp, batch)

		q.Lock()
		for _, dv := range batch {
			s.requeueOrRetireLocked(q, dv)
		}
		needSpin := q.LenLocked() == 1 && !q.ItemsLocked()[0].NextOpInputsReady()
		q.Unlock()
		q.Broadcast()

		if needSpin {
			time.Sleep(spinDelay)
		}
	}
}

// formBatchLocked scans the rest of the queue for other device views whose
// current op is a ModelRun against the same model key, with input tensors
// whose shape tail matches front's, up to curOp.Batchsize rows (§4.4).
// Caller must hold q's lock.
func (s *Scheduler) formBatchLocked(q *queue.Queue, front *runinfo.DeviceView, curOp *op.Op, batch []*runinfo.DeviceView) []*runinfo.DeviceView {
	frontInputs, ok := gatherInputs(front, curOp)
	if !ok {
		return batch
	}
	size := batchDim(frontInputs)

	i := 0
	for i < q.LenLocked() {
		cand := q.ItemsLocked()[i]
		if !s.batchCompatible(cand, curOp, frontInputs) {
			i++
			continue
		}
		candIdx := cand.CurrentOpIndex()
		candInputs, ok := gatherInputs(cand, cand.Ops[candIdx])
		if !ok {
			i++
			continue
		}
		candSize := batchDim(candInputs)
		if size+candSize > int64(curOp.Batchsize) {
			i++
			continue
		}
		batch = append(batch, q.RemoveAtLocked(i))
		size += candSize
		if size >= int64(curOp.Batchsize) {
			break
		}
	}
	return batch
}

func (s *Scheduler) batchCompatible(cand *runinfo.DeviceView, curOp *op.Op, frontInputs []*tensor.Tensor) bool {
	idx := cand.CurrentOpIndex()
	if idx < 0 {
		return false
	}
	candOp := cand.Ops[idx]
	if candOp.Kind != op.ModelRun || candOp.RunKey != curOp.RunKey {
		return false
	}
	if !cand.NextOpInputsReady() {
		return false
	}
	candInputs, ok := gatherInputs(cand, candOp)
	if !ok || len(candInputs) != len(frontInputs) {
		return false
	}
	for i := range frontInputs {
		if !tensor.SameShapeTail(frontInputs[i], candInputs[i]) {
			return false
		}
	}
	return true
}

func gatherInputs(dv *runinfo.DeviceView, o *op.Op) ([]*tensor.Tensor, bool) {
	out := make([]*tensor.Tensor, len(o.InIndices))
	for i, slot := range o.InIndices {
		t, ok := dv.Slot(slot)
		if !ok {
			return nil, false
		}
		out[i] = t
	}
	return out, true
}

func batchDim(inputs []*tensor.Tensor) int64 {
	if len(inputs) == 0 || inputs[0].Rank() == 0 {
		return 1
	}
	return inputs[0].Shape()[0]
}

// executeBatch runs one op (possibly a merged cross-request batch) for
// every device view in batch, then calls AdvanceOp on each.
func (s *Scheduler) executeBatch(ctx context.Context, curOp *op.Op, batch []*runinfo.DeviceView) {
	switch curOp.Kind {
	case op.TensorSet:
		s.execTensorSet(batch[0], curOp)
	case op.TensorGet:
		s.execTensorGet(batch[0], curOp)
	case op.ModelRun:
		s.execModelRun(ctx, curOp, batch)
	case op.ScriptRun:
		s.execScriptRun(ctx, batch[0], curOp)
	}
}

func (s *Scheduler) execTensorSet(dv *runinfo.DeviceView, o *op.Op) {
	payload := o.SetBlob
	if o.SetValues != nil && payload == nil {
		payload = []byte{}
	}
	t := tensor.New(o.SetDType, o.SetShape, payload)
	idx := dv.CurrentOpIndex()
	dv.AdvanceOp(idx, []*tensor.Tensor{t}, nil)
	o.ElapsedSince(time.Now())
}

func (s *Scheduler) execTensorGet(dv *runinfo.DeviceView, o *op.Op) {
	idx := dv.CurrentOpIndex()
	// Input is already resolved by definition (only ready ops dequeue);
	// TensorGet has no backend work, it just marks itself complete so the
	// reply assembler can read the slot directly.
	dv.AdvanceOp(idx, nil, nil)
}

func (s *Scheduler) execModelRun(ctx context.Context, curOp *op.Op, batch []*runinfo.DeviceView) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.model_run", trace.WithAttributes(
		attribute.String("model_key", curOp.RunKey),
		attribute.Int("batch_size", len(batch)),
	))
	defer span.End()

	var ready []*runinfo.DeviceView
	var inputSets [][]*tensor.Tensor
	for _, dv := range batch {
		idx := dv.CurrentOpIndex()
		in, ok := gatherInputs(dv, dv.Ops[idx])
		if !ok {
			s.advanceError(dv, curOp, &missingInputError{key: curOp.RunKey})
			continue
		}
		ready = append(ready, dv)
		inputSets = append(inputSets, in)
	}
	if len(ready) == 0 {
		return
	}

	merged, memberSizes, err := mergeInputSets(inputSets)
	if err != nil {
		for _, dv := range ready {
			s.advanceError(dv, curOp, err)
		}
		return
	}

	rc := &backend.RunContext{Inputs: merged}
	cb := s.breakerFor(curOp.BackendName)
	var runErr error
	if !cb.Allow() {
		runErr = &resilience.ErrCircuitOpen{Backend: curOp.BackendName}
	} else {
		_, runErr = resilience.Retry(ctx, backendRunRetryAttempts, backendRunRetryDelay, func() (struct{}, error) {
			return struct{}{}, s.backends.RunModel(ctx, curOp.BackendName, curOp.ModelHandle, rc)
		})
		cb.RecordResult(runErr == nil)
	}

	durUs := time.Since(start).Microseconds()
	s.stats.Record(curOp.RunKey, durUs, len(ready), runErr != nil)
	s.execDurUs.Record(ctx, durUs)
	s.batchSize.Record(ctx, int64(len(ready)))

	if runErr != nil {
		s.opsFailed.Add(ctx, int64(len(ready)))
		for _, dv := range ready {
			s.advanceError(dv, curOp, runErr)
		}
		return
	}
	s.opsExecuted.Add(ctx, int64(len(ready)))

	outputSets, err := scatterOutputs(rc.Outputs, memberSizes)
	if err != nil {
		for _, dv := range ready {
			s.advanceError(dv, curOp, err)
		}
		return
	}
	for i, dv := range ready {
		idx := dv.CurrentOpIndex()
		o := dv.Ops[idx]
		o.BatchSize = len(ready)
		dv.AdvanceOp(idx, outputSets[i], nil)
		o.ElapsedSince(start)
	}
}

func (s *Scheduler) execScriptRun(ctx context.Context, dv *runinfo.DeviceView, curOp *op.Op) {
	start := time.Now()
	idx := dv.CurrentOpIndex()
	in, ok := gatherInputs(dv, curOp)
	if !ok {
		s.advanceError(dv, curOp, &missingInputError{key: curOp.RunKey})
		return
	}
	rc := &backend.RunContext{Inputs: in}
	cb := s.breakerFor(curOp.BackendName)
	var runErr error
	if !cb.Allow() {
		runErr = &resilience.ErrCircuitOpen{Backend: curOp.BackendName}
	} else {
		_, runErr = resilience.Retry(ctx, backendRunRetryAttempts, backendRunRetryDelay, func() (struct{}, error) {
			return struct{}{}, s.backends.RunScript(ctx, curOp.BackendName, curOp.ScriptHandle, curOp.FuncName, rc)
		})
		cb.RecordResult(runErr == nil)
	}
	durUs := time.Since(start).Microseconds()
	s.stats.Record(curOp.RunKey, durUs, 1, runErr != nil)
	if runErr != nil {
		s.advanceError(dv, curOp, runErr)
		return
	}
	dv.AdvanceOp(idx, rc.Outputs, nil)
	curOp.ElapsedSince(start)
}

func (s *Scheduler) advanceError(dv *runinfo.DeviceView, o *op.Op, err error) {
	idx := dv.CurrentOpIndex()
	dv.AdvanceOp(idx, nil, err)
}

// requeueOrRetireLocked decides, under q's lock, whether dv has more work
// (and where it goes back in the queue), or whether it's done and the
// whole RunInfo should be finished (§4.3 step 4). Caller must hold q's
// lock; the actual reply assembly happens after releasing it.
func (s *Scheduler) requeueOrRetireLocked(q *queue.Queue, dv *runinfo.DeviceView) {
	dv.Advance()
	if dv.Exhausted() {
		q.Unlock()
		s.retireDeviceView(dv)
		q.Lock()
		return
	}
	if dv.NextOpInputsReady() {
		q.PushFrontLocked(dv)
		return
	}
	parkNotReadyLocked(q, dv)
}

// parkNotReadyLocked re-enqueues dv, which is not ready to run its next
// op: if other work is waiting behind it, rotate that work ahead so the
// worker doesn't spin on dv; otherwise dv is the only thing in the queue
// and the caller falls through to the busy-spin throttle (§4.3 step 4).
// Caller must hold q's lock.
func parkNotReadyLocked(q *queue.Queue, dv *runinfo.DeviceView) {
	q.PushFrontLocked(dv)
	if q.LenLocked() > 1 {
		q.RotateSecondToFrontLocked()
	}
}

// handleTimeout fast-paths straight to reply assembly on a DAG-level
// timeout (§4.5/§9): it does not wait for other device views to finish,
// matching "fast-paths to reply assembly" rather than the ordinary
// ref-counted completion path.
func (s *Scheduler) handleTimeout(dv *runinfo.DeviceView) {
	dv.MarkTimedOut()
	dv.ReleaseDeviceView()
	replyBytes, err := reply.Assemble(context.Background(), dv.RunInfo, s.ks)
	if err != nil {
		slog.Error("reply assembly failed after timeout", "run_id", dv.ID, "error", err)
		replyBytes = []byte("TIMEDOUT")
	}
	dv.Finish(replyBytes)
}

// retireDeviceView drops dv's ref and, if it was the last live view for
// its RunInfo, assembles the reply and unblocks the client.
func (s *Scheduler) retireDeviceView(dv *runinfo.DeviceView) {
	last := dv.ReleaseDeviceView()
	if !last {
		return
	}
	replyBytes, err := reply.Assemble(context.Background(), dv.RunInfo, s.ks)
	if err != nil {
		slog.Error("reply assembly failed", "run_id", dv.ID, "error", err)
		replyBytes = []byte("ERR " + err.Error())
	}
	dv.Finish(replyBytes)
}

type missingInputError struct{ key string }

func (e *missingInputError) Error() string {
	return "input tensor not ready for " + e.key
}
