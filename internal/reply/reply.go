// Package reply implements the reply assembler (C7): walks a completed
// RunInfo's ops in program order, encodes one wire element per op,
// persists requested outputs, and produces the final bytes unblocking
// the client (spec.md §4.6), grounded on original_source/src/DAG/
// dag_reply.c.
package reply

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/parser"
	"github.com/swarmguard/daginferd/internal/runinfo"
	"github.com/swarmguard/daginferd/internal/tensor"
)

// Keyspace is the subset of keyspace.Keyspace the assembler needs to
// write PERSIST outputs back under their demangled names.
type Keyspace interface {
	PutTensor(ctx context.Context, name string, t *tensor.Tensor) error
}

// Assemble builds the final wire reply for a completed (or timed-out)
// RunInfo. It returns the raw bytes to hand to ClientHandle.Unblock.
func Assemble(ctx context.Context, ri *runinfo.RunInfo, ks Keyspace) ([]byte, error) {
	if ri.TimedOut() {
		return []byte("TIMEDOUT"), nil
	}

	elements := make([]string, len(ri.Ops))
	for i, o := range ri.Ops {
		elements[i] = encodeElement(ri, o)
	}

	// Persist only runs over a clean execution; a runtime error already
	// shows up inline per op (invariant 3, S5) and skips persist entirely.
	// A failure here taints an otherwise-successful DAG post-hoc and
	// replaces the whole array with a single reply-level error (§4.6).
	if !ri.ErrorFlag() {
		if err := persistOutputs(ctx, ri, ks); err != nil {
			return []byte("ERR " + err.Error()), nil
		}
	}

	if ri.SingleOpDag && len(elements) == 1 {
		return []byte(elements[0]), nil
	}
	return []byte("[" + strings.Join(elements, ",") + "]"), nil
}

func encodeElement(ri *runinfo.RunInfo, o *op.Op) string {
	switch o.Result {
	case op.Err:
		if o.Err == nil {
			return "ERR unknown error"
		}
		msg := o.Err.Error()
		if strings.HasPrefix(msg, "ERR ") {
			return msg
		}
		return "ERR " + msg
	case op.NotApplicable, op.Unstarted:
		return "NA"
	}

	switch o.Kind {
	case op.TensorSet, op.ModelRun, op.ScriptRun:
		return "OK"
	case op.TensorGet:
		return encodeTensorGet(ri, o)
	default:
		return "OK"
	}
}

func encodeTensorGet(ri *runinfo.RunInfo, o *op.Op) string {
	if len(o.InIndices) == 0 {
		return "ERR tensor get has no input"
	}
	t, ok := ri.Slot(o.InIndices[0])
	if !ok {
		return "ERR tensor not available"
	}
	meta := fmt.Sprintf("META %s %s", t.DType().String(), shapeString(t.Shape()))
	switch o.Format {
	case op.FormatBlob:
		return meta + " BLOB " + hex.EncodeToString(t.Bytes())
	case op.FormatValues:
		values := parser.DecodeValues(t.DType(), t.Bytes())
		return meta + " VALUES " + valuesString(values)
	default:
		return meta
	}
}

func shapeString(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, " ")
}

func valuesString(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// persistOutputs writes every PERSIST slot back to the keyspace under its
// demangled name (§4.6, invariant 6's atomicity guarantee: only called
// when the DAG carries no error).
func persistOutputs(ctx context.Context, ri *runinfo.RunInfo, ks Keyspace) error {
	for name, slot := range ri.PersistSlots {
		t, ok := ri.Slot(slot)
		if !ok {
			return fmt.Errorf("PERSIST %s: slot %d never produced a tensor", name, slot)
		}
		if err := ks.PutTensor(ctx, name, t); err != nil {
			return fmt.Errorf("PERSIST %s: %w", name, err)
		}
	}
	return nil
}
