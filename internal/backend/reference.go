package backend

import (
	"context"
	"fmt"
	"math"

	"github.com/swarmguard/daginferd/internal/tensor"
)

// referenceModel is the test/demo model handle: it multiplies every
// element of its single input by Factor.
type referenceModel struct {
	Factor float64
}

// NewReferenceBackend returns an in-process backend with no real
// framework dependency, used by tests and local development. It
// implements exactly the capabilities ModelRun/ScriptRun exercise so the
// rest of the engine can be exercised without a real TF/Torch/ONNX
// runtime installed.
func NewReferenceBackend() *Backend {
	return &Backend{
		Name: "REFERENCE",
		ModelCreate: func(_ context.Context, _ string, opts map[string]string, _ []byte) (ModelHandle, error) {
			factor := 2.0
			if v, ok := opts["factor"]; ok {
				fmt.Sscanf(v, "%f", &factor)
			}
			return &referenceModel{Factor: factor}, nil
		},
		ModelRun: func(_ context.Context, h ModelHandle, rc *RunContext) error {
			m, ok := h.(*referenceModel)
			if !ok {
				return fmt.Errorf("reference backend: bad model handle")
			}
			if len(rc.Inputs) == 0 {
				return fmt.Errorf("reference backend: model requires at least one input")
			}
			in := rc.Inputs[0]
			out := make([]byte, len(in.Bytes()))
			copy(out, in.Bytes())
			scaleFloat32(out, m.Factor)
			rc.Outputs = []*tensor.Tensor{tensor.New(in.DType(), in.Shape(), out)}
			return nil
		},
		ModelSerialize: func(h ModelHandle) ([]byte, error) {
			m := h.(*referenceModel)
			return []byte(fmt.Sprintf("factor=%f", m.Factor)), nil
		},
		ModelFree: func(ModelHandle) {},
		ScriptCreate: func(_ context.Context, _ string, source string) (ScriptHandle, error) {
			return source, nil
		},
		ScriptRun: func(_ context.Context, h ScriptHandle, fn string, rc *RunContext) error {
			if len(rc.Inputs) == 0 {
				return fmt.Errorf("reference backend: script requires at least one input")
			}
			rc.Outputs = []*tensor.Tensor{rc.Inputs[0].Clone()}
			return nil
		},
		ScriptFree: func(ScriptHandle) {},
		GetVersion: func() string { return "reference-1.0" },
	}
}

// scaleFloat32 multiplies a float32 byte buffer in place by factor.
func scaleFloat32(buf []byte, factor float64) {
	for i := 0; i+4 <= len(buf); i += 4 {
		bits := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		f := math.Float32frombits(bits) * float32(factor)
		bits = math.Float32bits(f)
		buf[i] = byte(bits)
		buf[i+1] = byte(bits >> 8)
		buf[i+2] = byte(bits >> 16)
		buf[i+3] = byte(bits >> 24)
	}
}
