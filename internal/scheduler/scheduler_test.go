package scheduler

import (
	"context"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/queue"
	"github.com/swarmguard/daginferd/internal/runinfo"
	"github.com/swarmguard/daginferd/internal/stats"
	"github.com/swarmguard/daginferd/internal/tensor"
)

type capturingClient struct {
	mu        sync.Mutex
	reply     []byte
	unblocked bool
	done      chan struct{}
}

func newCapturingClient() *capturingClient {
	return &capturingClient{done: make(chan struct{})}
}

func (c *capturingClient) Unblock(reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reply = reply
	c.unblocked = true
	close(c.done)
}
func (c *capturingClient) Discarded() bool { return false }

func (c *capturingClient) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("client was never unblocked")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

type fakePutKeyspace struct {
	mu      sync.Mutex
	written map[string]*tensor.Tensor
}

func newFakePutKeyspace() *fakePutKeyspace {
	return &fakePutKeyspace{written: map[string]*tensor.Tensor{}}
}

func (f *fakePutKeyspace) PutTensor(_ context.Context, name string, t *tensor.Tensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[name] = t
	return nil
}

func newTestScheduler(backends *backend.Registry, ks *fakePutKeyspace) *Scheduler {
	return New(queue.NewRegistry(), backends, stats.NewRegistry(), ks, noop.NewMeterProvider().Meter(""), tracenoop.NewTracerProvider().Tracer(""))
}

func encodeF32(v float32) []byte {
	bits := math.Float32bits(v)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

func TestSingleOpDagRunsToCompletion(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.NewReferenceBackend())
	ks := newFakePutKeyspace()
	sched := newTestScheduler(reg, ks)

	ops := []*op.Op{
		{Kind: op.TensorSet, OutIndices: []int{0}, Device: "CPU",
			SetDType: tensor.DType{Kind: tensor.KindFloat, Width: 32}, SetShape: []int64{1}, SetBlob: encodeF32(2.0)},
	}
	ri := runinfo.New(ops, 1, nil, 0)
	client := newCapturingClient()
	ri.ClientHandle = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunDeviceWorkers(ctx, "CPU", 1)

	sched.Submit(ri)
	reply := client.wait(t)
	require.Equal(t, "OK", string(reply))
}

func TestCrossDeviceModelRunWaitsForProducer(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.NewReferenceBackend())
	ks := newFakePutKeyspace()
	sched := newTestScheduler(reg, ks)

	ops := []*op.Op{
		{Kind: op.TensorSet, OutIndices: []int{0}, Device: "GPU:0",
			SetDType: tensor.DType{Kind: tensor.KindFloat, Width: 32}, SetShape: []int64{1}, SetBlob: encodeF32(3.0)},
		{Kind: op.ModelRun, InIndices: []int{0}, OutIndices: []int{1}, Device: "CPU",
			RunKey: "m", BackendName: "REFERENCE", ModelHandle: referenceHandle(t, reg, 2.0)},
		{Kind: op.TensorGet, InIndices: []int{1}, Device: "CPU", Format: op.FormatValues},
	}
	ri := runinfo.New(ops, 2, nil, 0)
	client := newCapturingClient()
	ri.ClientHandle = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunDeviceWorkers(ctx, "GPU:0", 1)
	go sched.RunDeviceWorkers(ctx, "CPU", 1)

	sched.Submit(ri)
	reply := client.wait(t)
	require.Equal(t, "[OK,OK,META FLOAT32 1 VALUES 6]", string(reply))
}

func TestErrorShortCircuitsSubsequentOps(t *testing.T) {
	reg := backend.NewRegistry()
	// A backend with no ModelRun capability registered triggers
	// ErrCapabilityMissing on the first ModelRun.
	reg.Register(&backend.Backend{Name: "BROKEN"})
	ks := newFakePutKeyspace()
	sched := newTestScheduler(reg, ks)

	ops := []*op.Op{
		{Kind: op.TensorSet, OutIndices: []int{0}, Device: "CPU",
			SetDType: tensor.DType{Kind: tensor.KindFloat, Width: 32}, SetShape: []int64{1}, SetBlob: encodeF32(1.0)},
		{Kind: op.ModelRun, InIndices: []int{0}, OutIndices: []int{1}, Device: "CPU", RunKey: "m", BackendName: "BROKEN"},
		{Kind: op.ModelRun, InIndices: []int{1}, OutIndices: []int{2}, Device: "CPU", RunKey: "m", BackendName: "BROKEN"},
	}
	ri := runinfo.New(ops, 3, map[string]int{"y": 2}, 0)
	client := newCapturingClient()
	ri.ClientHandle = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunDeviceWorkers(ctx, "CPU", 1)

	sched.Submit(ri)
	reply := client.wait(t)
	require.True(t, ri.ErrorFlag())
	require.Contains(t, string(reply), "ERR ")
	require.Contains(t, string(reply), "NA")
	_, persisted := ks.written["y"]
	require.False(t, persisted, "errored DAG must not persist outputs")
}

func referenceHandle(t *testing.T, reg *backend.Registry, factor float64) any {
	t.Helper()
	b, ok := reg.Get("REFERENCE")
	require.True(t, ok)
	h, err := b.ModelCreate(context.Background(), "CPU", map[string]string{"factor": strconv.FormatFloat(factor, 'g', -1, 64)}, nil)
	require.NoError(t, err)
	return h
}
