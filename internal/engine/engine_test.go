package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/config"
	"github.com/swarmguard/daginferd/internal/events"
	"github.com/swarmguard/daginferd/internal/keyspace"
	"github.com/swarmguard/daginferd/internal/tensor"
)

// fakeKeyspace is a minimal in-memory keyspace.Keyspace, mirroring
// internal/controlplane's test double.
type fakeKeyspace struct {
	models  map[string]backend.ModelMeta
	scripts map[string]backend.ScriptMeta
}

func newFakeKeyspace() *fakeKeyspace {
	return &fakeKeyspace{models: map[string]backend.ModelMeta{}, scripts: map[string]backend.ScriptMeta{}}
}

func (f *fakeKeyspace) GetTensor(context.Context, string) (*tensor.Tensor, bool, error) {
	return nil, false, nil
}
func (f *fakeKeyspace) PutTensor(context.Context, string, *tensor.Tensor) error { return nil }
func (f *fakeKeyspace) GetModelMeta(_ context.Context, key string) (backend.ModelMeta, bool, error) {
	m, ok := f.models[key]
	return m, ok, nil
}
func (f *fakeKeyspace) GetScriptMeta(_ context.Context, key string) (backend.ScriptMeta, bool, error) {
	s, ok := f.scripts[key]
	return s, ok, nil
}
func (f *fakeKeyspace) PutModelMeta(_ context.Context, m backend.ModelMeta) error {
	f.models[m.Key] = m
	return nil
}
func (f *fakeKeyspace) PutScriptMeta(_ context.Context, s backend.ScriptMeta) error {
	f.scripts[s.Key] = s
	return nil
}
func (f *fakeKeyspace) Replicate(context.Context, string, []string) error { return nil }

var _ keyspace.Keyspace = (*fakeKeyspace)(nil)

type fakeClient struct {
	replies chan []byte
}

func newFakeClient() *fakeClient { return &fakeClient{replies: make(chan []byte, 1)} }
func (f *fakeClient) Unblock(reply []byte) { f.replies <- reply }
func (f *fakeClient) Discarded() bool      { return false }

func newTestEngine() *Engine {
	cfg := &config.Config{ThreadsPerQueue: 1}
	ks := newFakeKeyspace()
	backends := backend.NewRegistry()
	backends.Register(backend.NewReferenceBackend())
	meter := noop.NewMeterProvider().Meter("test")
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	publisher := events.NewPublisher(nil, "test.subject")
	return New(cfg, ks, backends, meter, tracer, publisher)
}

func TestEngineSubmitRunsSingleOpDagToCompletion(t *testing.T) {
	eng := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = eng.Stop(stopCtx)
	}()

	client := newFakeClient()
	_, err := eng.Submit(ctx, "DAGRUN |> TensorSet a FLOAT32 1 VALUES 1.0", false, client)
	require.NoError(t, err)

	select {
	case reply := <-client.replies:
		require.NotEmpty(t, reply)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestEngineSubmitRejectsMalformedCommand(t *testing.T) {
	eng := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = eng.Stop(stopCtx)
	}()

	_, err := eng.Submit(ctx, "DAGRUN TIMEOUT 0 |> TensorSet a FLOAT32 1 VALUES 1.0", false, newFakeClient())
	require.Error(t, err)
}

func TestEngineEnsureWorkersStartsEachDeviceOnce(t *testing.T) {
	eng := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.ctx = ctx

	client := newFakeClient()
	_, err := eng.Submit(ctx, "DAGRUN |> TensorSet a FLOAT32 1 VALUES 1.0", false, client)
	require.NoError(t, err)
	<-client.replies

	eng.mu.Lock()
	started := len(eng.startedDevices)
	eng.mu.Unlock()
	require.Equal(t, 1, started)

	client2 := newFakeClient()
	_, err = eng.Submit(ctx, "DAGRUN |> TensorSet b FLOAT32 1 VALUES 2.0", false, client2)
	require.NoError(t, err)
	<-client2.replies

	eng.mu.Lock()
	started = len(eng.startedDevices)
	eng.mu.Unlock()
	require.Equal(t, 1, started, "a second run on the same device must not start a second worker pool")
}
