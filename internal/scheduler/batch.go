package scheduler

import (
	"fmt"

	"github.com/swarmguard/daginferd/internal/tensor"
)

// mergeInputSets concatenates, input-position by input-position, the
// tensors contributed by every batch member along dimension 0, producing
// one RunContext input list for the single backend call plus the member
// row counts scatterOutputs needs to split the results back apart.
func mergeInputSets(sets [][]*tensor.Tensor) (merged []*tensor.Tensor, memberSizes []int64, err error) {
	if len(sets) == 0 {
		return nil, nil, fmt.Errorf("batch: no input sets")
	}
	numInputs := len(sets[0])
	merged = make([]*tensor.Tensor, numInputs)
	for pos := 0; pos < numInputs; pos++ {
		perPos := make([]*tensor.Tensor, len(sets))
		for i, s := range sets {
			if pos >= len(s) {
				return nil, nil, fmt.Errorf("batch: input arity mismatch across batch members")
			}
			perPos[i] = s[pos]
		}
		if len(perPos) == 1 {
			merged[pos] = perPos[0]
			memberSizes = []int64{batchDim(perPos)}
			continue
		}
		m, sizes, err := tensor.Concat(perPos)
		if err != nil {
			return nil, nil, err
		}
		merged[pos] = m
		memberSizes = sizes
	}
	return merged, memberSizes, nil
}

// scatterOutputs splits each merged output tensor back into one sub-tensor
// per batch member, in member order, using memberSizes from mergeInputSets.
func scatterOutputs(outputs []*tensor.Tensor, memberSizes []int64) ([][]*tensor.Tensor, error) {
	n := len(memberSizes)
	result := make([][]*tensor.Tensor, n)
	for i := range result {
		result[i] = make([]*tensor.Tensor, len(outputs))
	}
	if n == 1 {
		for oi, o := range outputs {
			result[0][oi] = o
		}
		return result, nil
	}
	for oi, o := range outputs {
		offset := int64(0)
		for mi, size := range memberSizes {
			sub, err := o.Slice(offset, size)
			if err != nil {
				return nil, fmt.Errorf("batch: scatter output %d member %d: %w", oi, mi, err)
			}
			result[mi][oi] = sub
			offset += size
		}
	}
	return result, nil
}
