package parser

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/swarmguard/daginferd/internal/tensor"
)

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// encodeValues packs a VALUES list into dt's native byte encoding, little
// endian, matching the layout tensor.Tensor expects for TensorGet VALUES
// round-tripping (§8 "Round-trip" property).
func encodeValues(dt tensor.DType, values []float64) []byte {
	buf := make([]byte, 0, len(values)*dt.ElemSize())
	for _, v := range values {
		switch dt.Kind {
		case tensor.KindFloat:
			switch dt.Width {
			case 32:
				b := make([]byte, 4)
				binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
				buf = append(buf, b...)
			default:
				b := make([]byte, 8)
				binary.LittleEndian.PutUint64(b, math.Float64bits(v))
				buf = append(buf, b...)
			}
		case tensor.KindInt, tensor.KindUint:
			switch dt.Width {
			case 8:
				buf = append(buf, byte(int64(v)))
			case 16:
				b := make([]byte, 2)
				binary.LittleEndian.PutUint16(b, uint16(int64(v)))
				buf = append(buf, b...)
			case 32:
				b := make([]byte, 4)
				binary.LittleEndian.PutUint32(b, uint32(int64(v)))
				buf = append(buf, b...)
			default:
				b := make([]byte, 8)
				binary.LittleEndian.PutUint64(b, uint64(int64(v)))
				buf = append(buf, b...)
			}
		case tensor.KindBool:
			if v != 0 {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}
	return buf
}

// decodeValues is the inverse of encodeValues, used by the reply
// assembler's VALUES format (§4.6).
func decodeValues(dt tensor.DType, data []byte) []float64 {
	elemSize := dt.ElemSize()
	if elemSize == 0 {
		return nil
	}
	n := len(data) / elemSize
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		chunk := data[i*elemSize : (i+1)*elemSize]
		switch dt.Kind {
		case tensor.KindFloat:
			if dt.Width == 32 {
				out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk))))
			} else {
				out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
			}
		case tensor.KindInt:
			switch dt.Width {
			case 8:
				out = append(out, float64(int8(chunk[0])))
			case 16:
				out = append(out, float64(int16(binary.LittleEndian.Uint16(chunk))))
			case 32:
				out = append(out, float64(int32(binary.LittleEndian.Uint32(chunk))))
			default:
				out = append(out, float64(int64(binary.LittleEndian.Uint64(chunk))))
			}
		case tensor.KindUint:
			switch dt.Width {
			case 8:
				out = append(out, float64(chunk[0]))
			case 16:
				out = append(out, float64(binary.LittleEndian.Uint16(chunk)))
			case 32:
				out = append(out, float64(binary.LittleEndian.Uint32(chunk)))
			default:
				out = append(out, float64(binary.LittleEndian.Uint64(chunk)))
			}
		case tensor.KindBool:
			out = append(out, float64(chunk[0]))
		}
	}
	return out
}

// DecodeValues exposes decodeValues to other packages (reply assembler).
func DecodeValues(dt tensor.DType, data []byte) []float64 {
	return decodeValues(dt, data)
}
