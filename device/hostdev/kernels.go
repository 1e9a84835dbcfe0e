package hostdev

import (
	"unsafe"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// bytesAs reinterprets raw as a slice of count elements of type T.
func bytesAs[T any](raw []byte, count int) []T {
	var t T
	if uintptr(len(raw)) < unsafe.Sizeof(t)*uintptr(count) {
		exceptions.Panicf("hostdev: buffer of %d bytes too small for %d elements of %T", len(raw), count, t)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), count)
}

// reduceBuffers reduces the count leading elements of every input
// elementwise and returns the result as a freshly allocated buffer.
func reduceBuffers(op device.ReduceOp, dtype dtypes.DType, inputs [][]byte, count int) []byte {
	switch dtype {
	case dtypes.Float16:
		return reduceFloat16(op, inputs, count)
	case dtypes.Float32:
		return reduceNumeric[float32](op, inputs, count)
	case dtypes.Float64:
		return reduceNumeric[float64](op, inputs, count)
	case dtypes.Int32:
		return reduceNumeric[int32](op, inputs, count)
	case dtypes.Int64:
		return reduceNumeric[int64](op, inputs, count)
	default:
		exceptions.Panicf("hostdev: reduction not supported for dtype %s", dtype)
	}
	return nil
}

func reduceNumeric[T constraints.Integer | constraints.Float](op device.ReduceOp, inputs [][]byte, count int) []byte {
	var t T
	out := make([]byte, uintptr(count)*unsafe.Sizeof(t))
	acc := bytesAs[T](out, count)
	copy(acc, bytesAs[T](inputs[0], count))
	for _, input := range inputs[1:] {
		values := bytesAs[T](input, count)
		switch op {
		case device.ReduceSum:
			for i, v := range values {
				acc[i] += v
			}
		case device.ReduceProd:
			for i, v := range values {
				acc[i] *= v
			}
		case device.ReduceMin:
			for i, v := range values {
				acc[i] = min(acc[i], v)
			}
		case device.ReduceMax:
			for i, v := range values {
				acc[i] = max(acc[i], v)
			}
		default:
			exceptions.Panicf("hostdev: unknown reduce op %s", op)
		}
	}
	return out
}

// reduceFloat16 accumulates in float32 and rounds once at the end.
func reduceFloat16(op device.ReduceOp, inputs [][]byte, count int) []byte {
	acc := make([]float32, count)
	for i, bits := range bytesAs[uint16](inputs[0], count) {
		acc[i] = float16.Frombits(bits).Float32()
	}
	for _, input := range inputs[1:] {
		for i, bits := range bytesAs[uint16](input, count) {
			v := float16.Frombits(bits).Float32()
			switch op {
			case device.ReduceSum:
				acc[i] += v
			case device.ReduceProd:
				acc[i] *= v
			case device.ReduceMin:
				acc[i] = min(acc[i], v)
			case device.ReduceMax:
				acc[i] = max(acc[i], v)
			default:
				exceptions.Panicf("hostdev: unknown reduce op %s", op)
			}
		}
	}
	out := make([]byte, 2*count)
	outBits := bytesAs[uint16](out, count)
	for i, v := range acc {
		outBits[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}
