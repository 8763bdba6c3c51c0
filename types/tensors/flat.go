package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/reshard/types/shapes"
	"github.com/x448/float16"
)

// This file implements the flat (1D) buffer operations the resharding protocol is built on:
// reshaping, slicing and concatenating of flat ranges, and up-casting to float32.

// Reshape returns a Tensor with the same flat data and the new dimensions.
// The total size must remain the same, otherwise it panics.
//
// The returned Tensor adopts the flat data: the receiver and the result alias the same
// underlying storage, and the receiver should no longer be used.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): shape %s has %d elements, new dimensions require %d",
			dimensions, t.shape, t.shape.Size(), newShape.Size())
	}
	reshaped := newTensor(newShape)
	reshaped.flat = t.flat
	return reshaped
}

// Flatten returns a rank-1 Tensor with the same flat data.
// Like Reshape, the result aliases the receiver's storage.
func (t *Tensor) Flatten() *Tensor {
	return t.Reshape(t.Size())
}

// SliceFlat returns a new rank-1 Tensor with a copy of the flat values in the
// half-open range [from, to).
func (t *Tensor) SliceFlat(from, to int) *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	if from < 0 || to > t.Size() || from > to {
		exceptions.Panicf("Tensor.SliceFlat(%d, %d) out-of-bounds for tensor with %d elements",
			from, to, t.Size())
	}
	length := to - from
	if length == 0 {
		exceptions.Panicf("Tensor.SliceFlat(%d, %d): empty slices of tensors are not supported", from, to)
	}
	sliced := FromShape(shapes.Make(t.shape.DType, length))
	reflect.Copy(reflect.ValueOf(sliced.flat), reflect.ValueOf(t.flat).Slice(from, to))
	return sliced
}

// ConcatFlat concatenates the flat contents of the given tensors, in order, into a new
// rank-1 Tensor. All parts must have the same DType.
func ConcatFlat(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("ConcatFlat requires at least one part")
	}
	dtype := parts[0].DType()
	totalSize := 0
	for _, part := range parts {
		part.AssertValid()
		if part.DType() != dtype {
			exceptions.Panicf("ConcatFlat: mixed dtypes %s and %s", dtype, part.DType())
		}
		totalSize += part.Size()
	}
	concat := FromShape(shapes.Make(dtype, totalSize))
	concatV := reflect.ValueOf(concat.flat)
	pos := 0
	for _, part := range parts {
		part.ConstFlatData(func(flat any) {
			flatV := reflect.ValueOf(flat)
			reflect.Copy(concatV.Slice(pos, pos+flatV.Len()), flatV)
			pos += flatV.Len()
		})
	}
	return concat
}

// CastToFloat32 returns a new Tensor with the same dimensions and the values up-cast
// (or down-cast, for Float64) to Float32.
//
// Only float dtypes are supported: these are the dtypes master weights ("shadow copies"
// of parameters trained at reduced precision) are stored with.
func CastToFloat32(t *Tensor) *Tensor {
	t.AssertValid()
	newFlat := make([]float32, t.Size())
	switch t.DType() {
	case dtypes.Float32:
		return t.LocalClone()
	case dtypes.Float16:
		ConstFlatData(t, func(flat []float16.Float16) {
			for ii, v := range flat {
				newFlat[ii] = v.Float32()
			}
		})
	case dtypes.BFloat16:
		ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			for ii, v := range flat {
				newFlat[ii] = v.Float32()
			}
		})
	case dtypes.Float64:
		ConstFlatData(t, func(flat []float64) {
			for ii, v := range flat {
				newFlat[ii] = float32(v)
			}
		})
	default:
		exceptions.Panicf("CastToFloat32: dtype %s not supported", t.DType())
	}
	return FromFlatDataAndDimensions(newFlat, t.Shape().Dimensions...)
}
