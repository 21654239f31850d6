// Package parser implements the command parser (C4): it translates a
// wire-format DAG spec into a runinfo.RunInfo with a validated op
// sequence and alpha-converted, unique per-slot indices (spec.md §4.1),
// grounded on original_source/src/DAG/dag_parser.c and command_parser.c.
package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/swarmguard/daginferd/internal/keyspace"
	"github.com/swarmguard/daginferd/internal/op"
	"github.com/swarmguard/daginferd/internal/runinfo"
	"github.com/swarmguard/daginferd/internal/tensor"
)

const opSeparator = "|>"

// ParseError is a single-line diagnostic, matching the user-visible
// error string contract in spec.md §7 ("ERR "-prefixed).
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return "ERR " + e.msg }

func perr(format string, args ...any) *ParseError {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// mangler implements the alpha-conversion pass (§4.1 step 3): it tracks,
// per tensor name, the slot index of its most recent writer (LOAD or a
// producing op's output), and hands out fresh slots for new writes.
type mangler struct {
	latestSlot map[string]int
	numSlots   int
}

func newMangler() *mangler {
	return &mangler{latestSlot: map[string]int{}}
}

func (m *mangler) resolveInput(name string) (int, bool) {
	slot, ok := m.latestSlot[name]
	return slot, ok
}

func (m *mangler) allocateOutput(name string) int {
	slot := m.numSlots
	m.numSlots++
	m.latestSlot[name] = slot
	return slot
}

// Parse tokenizes and validates cmd, producing a RunInfo ready to be
// enqueued. readOnly rejects a PERSIST section (DAGRUN_RO, §6).
func Parse(ctx context.Context, cmd string, ks keyspace.Keyspace, readOnly bool) (*runinfo.RunInfo, error) {
	tokens := strings.Fields(cmd)
	if len(tokens) == 0 {
		return nil, perr("empty command")
	}
	switch tokens[0] {
	case "DAGRUN":
	case "DAGRUN_RO":
		readOnly = true
	default:
		return nil, perr("unknown command %q", tokens[0])
	}
	i := 1

	m := newMangler()
	var loadKeys []string
	var persistKeys []string
	timeoutMs := int64(0)
	sawLoad, sawPersist, sawTimeout := false, false, false

	for i < len(tokens) {
		switch tokens[i] {
		case "LOAD":
			if sawLoad {
				return nil, perr("duplicate LOAD section")
			}
			sawLoad = true
			n, err := expectCount(tokens, i+1)
			if err != nil {
				return nil, err
			}
			i += 2
			if i+n > len(tokens) {
				return nil, perr("LOAD: expected %d keys", n)
			}
			loadKeys = append(loadKeys, tokens[i:i+n]...)
			i += n
		case "PERSIST":
			if sawPersist {
				return nil, perr("duplicate PERSIST section")
			}
			if readOnly {
				return nil, perr("PERSIST is not allowed on a read-only DAG")
			}
			sawPersist = true
			n, err := expectCount(tokens, i+1)
			if err != nil {
				return nil, err
			}
			i += 2
			if i+n > len(tokens) {
				return nil, perr("PERSIST: expected %d keys", n)
			}
			persistKeys = append(persistKeys, tokens[i:i+n]...)
			i += n
		case "TIMEOUT":
			if sawTimeout {
				return nil, perr("duplicate TIMEOUT section")
			}
			sawTimeout = true
			if i+1 >= len(tokens) {
				return nil, perr("TIMEOUT: missing value")
			}
			t, err := strconv.ParseInt(tokens[i+1], 10, 64)
			if err != nil || t <= 0 {
				return nil, perr("TIMEOUT: expected a positive integer, got %q", tokens[i+1])
			}
			timeoutMs = t
			i += 2
		default:
			goto opsSection
		}
	}
opsSection:
	if i >= len(tokens) {
		return nil, perr("DAG must contain at least one op")
	}
	clauses := splitClauses(tokens[i:])
	if len(clauses) == 0 {
		return nil, perr("DAG must contain at least one op")
	}

	// Preload LOAD keys before any op references them, per §4.1 step 2.
	loaded := map[string]*tensor.Tensor{}
	for _, key := range loadKeys {
		t, ok, err := ks.GetTensor(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("ERR LOAD %s: %w", key, err)
		}
		if !ok {
			return nil, perr("tensor key is empty: %s", key)
		}
		loaded[key] = t
	}

	var slotTensors []*tensor.Tensor
	assignSlot := func(name string, t *tensor.Tensor) int {
		slot := m.allocateOutput(name)
		for len(slotTensors) <= slot {
			slotTensors = append(slotTensors, nil)
		}
		slotTensors[slot] = t
		return slot
	}
	for _, key := range loadKeys {
		assignSlot(key, loaded[key])
	}

	ops := make([]*op.Op, 0, len(clauses))
	for _, clause := range clauses {
		o, err := parseClause(ctx, clause, ks, m, &slotTensors)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	persistSlots := map[string]int{}
	for _, key := range persistKeys {
		slot, ok := m.resolveInput(key)
		if !ok {
			return nil, perr("PERSIST key %s never appears as an op output", key)
		}
		persistSlots[key] = slot
	}

	ri := runinfo.New(ops, len(slotTensors), persistSlots, timeoutMs)
	for slot, t := range slotTensors {
		if t != nil {
			ri.SetSlot(slot, t)
		}
	}
	return ri, nil
}

func expectCount(tokens []string, idx int) (int, error) {
	if idx >= len(tokens) {
		return 0, perr("expected a count")
	}
	n, err := strconv.Atoi(tokens[idx])
	if err != nil || n < 0 {
		return 0, perr("expected a non-negative integer count, got %q", tokens[idx])
	}
	return n, nil
}

// splitClauses breaks the remaining tokens on the "|>" separator.
func splitClauses(tokens []string) [][]string {
	var clauses [][]string
	var cur []string
	for _, t := range tokens {
		if t == opSeparator {
			if len(cur) > 0 {
				clauses = append(clauses, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		clauses = append(clauses, cur)
	}
	return clauses
}

func parseClause(ctx context.Context, tokens []string, ks keyspace.Keyspace, m *mangler, slotTensors *[]*tensor.Tensor) (*op.Op, error) {
	if len(tokens) == 0 {
		return nil, perr("empty op clause")
	}
	switch tokens[0] {
	case "TensorSet":
		return parseTensorSet(tokens, m, slotTensors)
	case "TensorGet":
		return parseTensorGet(tokens, m)
	case "ModelRun":
		return parseModelRun(ctx, tokens, ks, m)
	case "ScriptRun":
		return parseScriptRun(ctx, tokens, ks, m)
	default:
		return nil, perr("unknown op kind %q", tokens[0])
	}
}

func parseTensorSet(tokens []string, m *mangler, slotTensors *[]*tensor.Tensor) (*op.Op, error) {
	if len(tokens) < 3 {
		return nil, perr("TensorSet: too few arguments")
	}
	key := tokens[1]
	dt, err := tensor.ParseDType(tokens[2])
	if err != nil {
		return nil, perr("TensorSet %s: %v", key, err)
	}
	i := 3
	var shape []int64
	for i < len(tokens) && tokens[i] != "BLOB" && tokens[i] != "VALUES" {
		d, err := strconv.ParseInt(tokens[i], 10, 64)
		if err != nil || d <= 0 {
			return nil, perr("TensorSet %s: invalid shape dimension %q", key, tokens[i])
		}
		shape = append(shape, d)
		i++
	}
	if i >= len(tokens) {
		return nil, perr("TensorSet %s: expected BLOB or VALUES", key)
	}
	var payload []byte
	var values []float64
	switch tokens[i] {
	case "BLOB":
		if i+1 >= len(tokens) {
			return nil, perr("TensorSet %s: BLOB missing payload", key)
		}
		decoded, err := hexDecode(tokens[i+1])
		if err != nil {
			return nil, perr("TensorSet %s: invalid BLOB payload: %v", key, err)
		}
		payload = decoded
	case "VALUES":
		for _, tok := range tokens[i+1:] {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, perr("TensorSet %s: invalid VALUES entry %q", key, tok)
			}
			values = append(values, v)
		}
		payload = encodeValues(dt, values)
	}

	slot := m.allocateOutput(key)
	for len(*slotTensors) <= slot {
		*slotTensors = append(*slotTensors, nil)
	}

	return &op.Op{
		Kind:       op.TensorSet,
		OutIndices: []int{slot},
		Device:     "CPU",
		SetDType:   dt,
		SetShape:   shape,
		SetBlob:    payload,
		SetValues:  values,
	}, nil
}

func parseTensorGet(tokens []string, m *mangler) (*op.Op, error) {
	if len(tokens) < 3 {
		return nil, perr("TensorGet: too few arguments")
	}
	key := tokens[1]
	slot, ok := m.resolveInput(key)
	if !ok {
		return nil, perr("input key not produced in DAG: %s", key)
	}
	format := op.FormatMeta
	for _, tok := range tokens[2:] {
		switch tok {
		case "VALUES":
			format = op.FormatValues
		case "BLOB":
			if format != op.FormatValues {
				format = op.FormatBlob
			}
		case "META":
			// default
		default:
			return nil, perr("TensorGet %s: unknown format flag %q", key, tok)
		}
	}
	return &op.Op{
		Kind:      op.TensorGet,
		InIndices: []int{slot},
		Device:    "CPU",
		Format:    format,
	}, nil
}

func parseModelRun(ctx context.Context, tokens []string, ks keyspace.Keyspace, m *mangler) (*op.Op, error) {
	if len(tokens) < 4 {
		return nil, perr("ModelRun: too few arguments")
	}
	key := tokens[1]
	meta, ok, err := ks.GetModelMeta(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ERR ModelRun %s: %w", key, err)
	}
	if !ok {
		return nil, perr("unknown model key: %s", key)
	}

	inputs, outputs, err := splitInputsOutputs(tokens[2:])
	if err != nil {
		return nil, perr("ModelRun %s: %v", key, err)
	}
	if len(inputs) != meta.NInputs {
		return nil, perr("ModelRun %s: expected %d inputs, got %d", key, meta.NInputs, len(inputs))
	}
	if len(outputs) != meta.NOutputs {
		return nil, perr("ModelRun %s: expected %d outputs, got %d", key, meta.NOutputs, len(outputs))
	}

	inIndices := make([]int, len(inputs))
	for idx, name := range inputs {
		slot, ok := m.resolveInput(name)
		if !ok {
			return nil, perr("input key not produced in DAG: %s", name)
		}
		inIndices[idx] = slot
	}
	outIndices := make([]int, len(outputs))
	for idx, name := range outputs {
		outIndices[idx] = m.allocateOutput(name)
	}

	return &op.Op{
		Kind:         op.ModelRun,
		InIndices:    inIndices,
		OutIndices:   outIndices,
		Device:       meta.Device,
		RunKey:       key,
		BackendName:  meta.BackendName,
		ModelHandle:  meta.Handle,
		Batchsize:    meta.Batchsize,
		MinBatchsize: meta.MinBatchsize,
	}, nil
}

func parseScriptRun(ctx context.Context, tokens []string, ks keyspace.Keyspace, m *mangler) (*op.Op, error) {
	if len(tokens) < 4 {
		return nil, perr("ScriptRun: too few arguments")
	}
	key := tokens[1]
	fn := tokens[2]
	meta, ok, err := ks.GetScriptMeta(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ERR ScriptRun %s: %w", key, err)
	}
	if !ok {
		return nil, perr("unknown script key: %s", key)
	}
	fnMeta, ok := meta.Funcs[fn]
	if !ok {
		return nil, perr("script %s has no function %s", key, fn)
	}

	rest := tokens[3:]
	variadic := false
	var inputTokens, outputTokens []string
	if len(rest) > 0 && rest[0] == "INPUTS" {
		rest = rest[1:]
		if len(rest) > 0 && rest[0] == "$" {
			variadic = true
			rest = rest[1:]
		}
		for len(rest) > 0 && rest[0] != "OUTPUTS" {
			inputTokens = append(inputTokens, rest[0])
			rest = rest[1:]
		}
	}
	// reject a stray "$" anywhere outside the INPUTS section.
	for _, t := range rest {
		if t == "$" {
			return nil, perr("ScriptRun %s: \"$\" marker is only valid inside INPUTS", key)
		}
	}
	if len(rest) > 0 && rest[0] == "OUTPUTS" {
		outputTokens = rest[1:]
	}
	// a "$" marker on a function declared without a variadic parameter is
	// rejected (supplemented feature, §3 item 4 of SPEC_FULL.md).
	if variadic && !fnMeta.Variadic {
		return nil, perr("ScriptRun %s.%s: function does not accept a variadic input list", key, fn)
	}
	if !variadic && len(inputTokens) != fnMeta.NInputs {
		return nil, perr("ScriptRun %s.%s: expected %d inputs, got %d", key, fn, fnMeta.NInputs, len(inputTokens))
	}

	inIndices := make([]int, len(inputTokens))
	for idx, name := range inputTokens {
		slot, ok := m.resolveInput(name)
		if !ok {
			return nil, perr("input key not produced in DAG: %s", name)
		}
		inIndices[idx] = slot
	}
	outIndices := make([]int, len(outputTokens))
	for idx, name := range outputTokens {
		outIndices[idx] = m.allocateOutput(name)
	}

	return &op.Op{
		Kind:         op.ScriptRun,
		InIndices:    inIndices,
		OutIndices:   outIndices,
		Device:       meta.Device,
		RunKey:       key,
		FuncName:     fn,
		Variadic:     variadic,
		BackendName:  meta.BackendName,
		ScriptHandle: meta.Handle,
	}, nil
}

func splitInputsOutputs(tokens []string) (inputs, outputs []string, err error) {
	i := 0
	if i >= len(tokens) || tokens[i] != "INPUTS" {
		return nil, nil, fmt.Errorf("expected INPUTS section")
	}
	i++
	for i < len(tokens) && tokens[i] != "OUTPUTS" {
		inputs = append(inputs, tokens[i])
		i++
	}
	if i >= len(tokens) || tokens[i] != "OUTPUTS" {
		return nil, nil, fmt.Errorf("expected OUTPUTS section")
	}
	i++
	outputs = tokens[i:]
	return inputs, outputs, nil
}

// ExtractKeyPositions is the read-only key-position reporting variant
// (supplemented feature, SPEC_FULL.md §3 item 1): a pure parse pass with
// no keyspace access, used to validate a DAG's shape without running it.
func ExtractKeyPositions(cmd string) ([]int, error) {
	tokens := strings.Fields(cmd)
	if len(tokens) == 0 || (tokens[0] != "DAGRUN" && tokens[0] != "DAGRUN_RO") {
		return nil, perr("not a DAG command")
	}
	var positions []int
	i := 1
	for i < len(tokens) {
		switch tokens[i] {
		case "LOAD", "PERSIST":
			if i+1 >= len(tokens) {
				return nil, perr("%s: missing count", tokens[i])
			}
			n, err := strconv.Atoi(tokens[i+1])
			if err != nil || n < 0 {
				return nil, perr("%s: invalid count", tokens[i])
			}
			for k := 0; k < n; k++ {
				positions = append(positions, i+2+k)
			}
			i += 2 + n
		case "TIMEOUT":
			i += 2
		default:
			return positions, nil
		}
	}
	return positions, nil
}
