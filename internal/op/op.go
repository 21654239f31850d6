// Package op defines DagOp (C2): one node of a DAG.
package op

import (
	"time"

	"github.com/swarmguard/daginferd/internal/tensor"
)

// Kind identifies the op clause.
type Kind int

const (
	TensorSet Kind = iota
	TensorGet
	ModelRun
	ScriptRun
)

func (k Kind) String() string {
	switch k {
	case TensorSet:
		return "TensorSet"
	case TensorGet:
		return "TensorGet"
	case ModelRun:
		return "ModelRun"
	case ScriptRun:
		return "ScriptRun"
	default:
		return "Unknown"
	}
}

// Result is the terminal state of an op after the scheduler has (or has
// not) run it.
type Result int

const (
	Unstarted Result = iota
	Ok
	Err
	NotApplicable
)

// ReplyFormat selects how TensorGet encodes its reply.
type ReplyFormat int

const (
	FormatMeta ReplyFormat = iota
	FormatBlob
	FormatValues
)

// Op is one node of a DAG, post alpha-conversion: every entry in InIndices
// names a slot some lexically earlier op wrote (or a LOAD slot), and every
// entry in OutIndices names a slot this op alone writes.
type Op struct {
	Kind Kind

	InIndices  []int
	OutIndices []int

	Device string // "CPU", "GPU:n"
	RunKey string // model/script key; empty for TensorSet/TensorGet

	// ModelRun-only, captured from the model's metadata at parse time so
	// the scheduler never needs keyspace access mid-batch.
	BackendName  string
	ModelHandle  any
	// Batchsize is the per-dispatch cap formBatchLocked packs rows up to.
	// MinBatchsize is parsed and carried but not enforced: the scheduler
	// dispatches as soon as a device view is ready rather than waiting for
	// enough concurrent rows to reach MinBatchsize, the batching-opportunity
	// trade-off spec.md's Non-goals call best-effort, not guaranteed.
	Batchsize    int
	MinBatchsize int

	// ScriptRun-only.
	ScriptHandle any

	// TensorSet-only: literal value to materialize into OutIndices[0].
	SetDType  tensor.DType
	SetShape  []int64
	SetBlob   []byte
	SetValues []float64

	// TensorGet-only.
	Format ReplyFormat

	// ScriptRun-only.
	FuncName string
	Variadic bool // INPUTS section carried a leading "$" marker

	Result     Result
	DurationUs int64
	Err        error

	// BatchSize is filled in by the scheduler when this op was executed
	// as part of a cross-request batch (§4.3); zero otherwise.
	BatchSize int
}

// IsBatchable reports whether Kind participates in cross-request batching.
// Only ModelRun does; TensorSet/TensorGet/ScriptRun never batch.
func (o *Op) IsBatchable() bool {
	return o.Kind == ModelRun
}

// ElapsedSince stamps DurationUs from a start time.
func (o *Op) ElapsedSince(start time.Time) {
	o.DurationUs = time.Since(start).Microseconds()
}
