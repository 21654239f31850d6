// Package tensor implements the engine's tensor handle (C1): an opaque,
// immutable view of a tensor value shared by pointer throughout a DAG run.
// There is no explicit reference count; the garbage collector reclaims a
// tensor once nothing points at it.
package tensor

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// DType identifies element encoding: a base kind and a bit width.
type DType struct {
	Kind  Kind
	Width int // 8, 16, 32 or 64
}

type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindUint
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "FLOAT"
	case KindInt:
		return "INT"
	case KindUint:
		return "UINT"
	case KindBool:
		return "BOOL"
	case KindString:
		return "STRING"
	default:
		return "UNKNOWN"
	}
}

func (d DType) String() string {
	if d.Kind == KindBool || d.Kind == KindString {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s%d", d.Kind, d.Width)
}

// ParseDType parses a wire type token like "FLOAT32" or "BOOL". The bare
// "FLOAT"/"DOUBLE" aliases RedisAI and spec.md scenarios S1/S2 write are
// accepted as FLOAT32/FLOAT64.
func ParseDType(s string) (DType, error) {
	switch s {
	case "BOOL":
		return DType{Kind: KindBool, Width: 8}, nil
	case "STRING":
		return DType{Kind: KindString, Width: 8}, nil
	case "FLOAT":
		return DType{Kind: KindFloat, Width: 32}, nil
	case "DOUBLE":
		return DType{Kind: KindFloat, Width: 64}, nil
	}
	for _, w := range []int{8, 16, 32, 64} {
		for k, name := range map[Kind]string{KindFloat: "FLOAT", KindInt: "INT", KindUint: "UINT"} {
			if s == fmt.Sprintf("%s%d", name, w) {
				return DType{Kind: k, Width: w}, nil
			}
		}
	}
	return DType{}, fmt.Errorf("unknown tensor dtype %q", s)
}

// ElemSize returns the byte width of one element.
func (d DType) ElemSize() int {
	if d.Kind == KindBool {
		return 1
	}
	return d.Width / 8
}

// Tensor is an immutable, freely-copyable-at-O(1) view of a tensor value.
// The engine never mutates a tensor's payload in place; a new Tensor is
// built instead and the old one is simply dropped.
type Tensor struct {
	dtype    DType
	shape    []int64
	data     []byte
	checksum uint64
}

// New builds a tensor over data, which is taken by reference, not copied.
func New(dtype DType, shape []int64, data []byte) *Tensor {
	t := &Tensor{dtype: dtype, shape: append([]int64(nil), shape...), data: data}
	t.checksum = xxhash.Checksum64(data)
	return t
}

func (t *Tensor) DType() DType    { return t.dtype }
func (t *Tensor) Shape() []int64  { return t.shape }
func (t *Tensor) Bytes() []byte   { return t.data }
func (t *Tensor) Checksum() uint64 { return t.checksum }

// Rank is len(Shape).
func (t *Tensor) Rank() int { return len(t.shape) }

// ElementCount is the product of the shape.
func (t *Tensor) ElementCount() int64 {
	n := int64(1)
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// ByteSize is the payload length in bytes.
func (t *Tensor) ByteSize() int64 {
	return int64(len(t.data))
}

// VerifyChecksum reports whether the stored checksum still matches the
// payload; used by the keyspace on read-back to catch storage corruption.
func (t *Tensor) VerifyChecksum() bool {
	return xxhash.Checksum64(t.data) == t.checksum
}

// Clone returns a shallow copy: same backing array, O(1).
func (t *Tensor) Clone() *Tensor {
	c := *t
	return &c
}

// SameShapeTail reports whether two tensors agree on dtype, rank, and every
// dimension after the zeroth — the batching compatibility test (§4.3).
func SameShapeTail(a, b *Tensor) bool {
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) {
		return false
	}
	for i := 1; i < len(a.shape); i++ {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// Concat stacks tensors along dimension 0. All must satisfy SameShapeTail
// pairwise. Used to form one backend call out of a batch of ModelRun ops.
func Concat(ts []*Tensor) (*Tensor, []int64, error) {
	if len(ts) == 0 {
		return nil, nil, fmt.Errorf("concat: empty tensor list")
	}
	base := ts[0]
	memberSizes := make([]int64, len(ts))
	total := int64(0)
	var buf []byte
	for i, t := range ts {
		if i > 0 && !SameShapeTail(base, t) {
			return nil, nil, fmt.Errorf("concat: tensor %d incompatible shape/dtype for batching", i)
		}
		memberSizes[i] = t.shape[0]
		total += t.shape[0]
		buf = append(buf, t.data...)
	}
	shape := append([]int64(nil), base.shape...)
	shape[0] = total
	return New(base.dtype, shape, buf), memberSizes, nil
}

// Slice extracts the sub-tensor covering rows [offset, offset+count) of
// dimension 0 from a batched output tensor.
func (t *Tensor) Slice(offset, count int64) (*Tensor, error) {
	if len(t.shape) == 0 {
		return nil, fmt.Errorf("slice: scalar tensor has no batch dimension")
	}
	elemSize := t.dtype.ElemSize()
	rowElems := t.ElementCount() / t.shape[0]
	rowBytes := rowElems * int64(elemSize)
	start := offset * rowBytes
	end := start + count*rowBytes
	if start < 0 || end > int64(len(t.data)) {
		return nil, fmt.Errorf("slice: out of range [%d:%d] on %d-byte payload", start, end, len(t.data))
	}
	shape := append([]int64(nil), t.shape...)
	shape[0] = count
	return New(t.dtype, shape, t.data[start:end]), nil
}
