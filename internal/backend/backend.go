// Package backend defines the pluggable model/script backend interface
// (consumed, out of scope per spec.md §1/§6) and a capability-dispatch
// registry over it.
package backend

import (
	"context"
	"fmt"

	"github.com/swarmguard/daginferd/internal/tensor"
)

// ModelMeta is the metadata the parser needs about a registered model:
// its device placement and I/O arity (§4.1 step 1).
type ModelMeta struct {
	Key          string
	Device       string
	BackendName  string
	NInputs      int
	NOutputs     int
	Batchsize    int // 0 disables batching
	MinBatchsize int
	Handle       ModelHandle `json:"-"`
}

// ScriptMeta mirrors ModelMeta for scripts; scripts never batch.
type ScriptMeta struct {
	Key         string
	Device      string
	BackendName string
	Handle      ScriptHandle `json:"-"`
	Funcs       map[string]FuncMeta
}

// FuncMeta describes one function exposed by a script, including whether
// it accepts a variadic input list (the "$" marker, §4.1 step 7).
type FuncMeta struct {
	Name     string
	NInputs  int
	NOutputs int
	Variadic bool
}

// ModelHandle and ScriptHandle are opaque backend-specific handles.
type ModelHandle any
type ScriptHandle any

// RunContext carries bound tensors into and out of one backend call.
type RunContext struct {
	Inputs  []*tensor.Tensor
	Outputs []*tensor.Tensor
}

// Capability names, used to report BackendNotLoaded precisely.
const (
	CapModelCreate        = "model_create"
	CapModelRun           = "model_run"
	CapModelSerialize     = "model_serialize"
	CapModelFree          = "model_free"
	CapScriptCreate       = "script_create"
	CapScriptRun          = "script_run"
	CapScriptFree         = "script_free"
	CapGetVersion         = "get_version"
	CapGetMemoryInfo      = "get_memory_info"
	CapTerminateRunSession = "terminate_run_session"
	CapAddNewDevice       = "add_new_device"
)

// Backend is a capability set for one computation framework. Optional
// capabilities are nil when unsupported; invoking a nil capability must
// report ErrCapabilityMissing (BackendNotLoaded in the error taxonomy).
type Backend struct {
	Name string

	ModelCreate    func(ctx context.Context, device string, opts map[string]string, bytes []byte) (ModelHandle, error)
	ModelRun       func(ctx context.Context, h ModelHandle, rc *RunContext) error
	ModelSerialize func(h ModelHandle) ([]byte, error)
	ModelFree      func(h ModelHandle)

	ScriptCreate func(ctx context.Context, device string, source string) (ScriptHandle, error)
	ScriptRun    func(ctx context.Context, h ScriptHandle, fn string, rc *RunContext) error
	ScriptFree   func(h ScriptHandle)

	// Optional capabilities.
	GetVersion          func() string
	GetMemoryInfo       func() (map[string]int64, error)
	TerminateRunSession func(h ModelHandle) error
	AddNewDevice        func(device string) error
}

// ErrCapabilityMissing is the engine's BackendNotLoaded error kind.
type ErrCapabilityMissing struct {
	Backend    string
	Capability string
}

func (e *ErrCapabilityMissing) Error() string {
	return fmt.Sprintf("backend %s does not provide capability %q", e.Backend, e.Capability)
}

// Registry dispatches by backend name ("TF", "TORCH", "ONNX", ...).
type Registry struct {
	backends map[string]*Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]*Backend{}}
}

func (r *Registry) Register(b *Backend) {
	r.backends[b.Name] = b
}

func (r *Registry) Get(name string) (*Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// RunModel dispatches ModelRun, translating a missing capability into
// ErrCapabilityMissing rather than a nil-pointer panic.
func (r *Registry) RunModel(ctx context.Context, backendName string, h ModelHandle, rc *RunContext) error {
	b, ok := r.backends[backendName]
	if !ok {
		return &ErrCapabilityMissing{Backend: backendName, Capability: CapModelRun}
	}
	if b.ModelRun == nil {
		return &ErrCapabilityMissing{Backend: backendName, Capability: CapModelRun}
	}
	return b.ModelRun(ctx, h, rc)
}

// RunScript dispatches ScriptRun analogously.
func (r *Registry) RunScript(ctx context.Context, backendName string, h ScriptHandle, fn string, rc *RunContext) error {
	b, ok := r.backends[backendName]
	if !ok {
		return &ErrCapabilityMissing{Backend: backendName, Capability: CapScriptRun}
	}
	if b.ScriptRun == nil {
		return &ErrCapabilityMissing{Backend: backendName, Capability: CapScriptRun}
	}
	return b.ScriptRun(ctx, h, fn, rc)
}
