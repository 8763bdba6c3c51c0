// Package tensors implements a Tensor, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by their shape (a data type and its axes' dimensions) and their actual content, stored as a
// flat (1D) slice of the Go type corresponding to the DType.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T dtypes.Supported](value T): creates a scalar Tensor with the given value.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
// Data is accessed through accessor functions (ConstFlatData, MutableFlatData, ConstBytes,
// MutableBytes), which hold the Tensor's lock for the duration of the access.
//
// This package only handles host (CPU) storage: the resharding protocol moves raw flat buffers
// between ranks and disk, it never executes accelerator computations.
package tensors

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/types/shapes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape and its flat contents.
//
// The contents are always stored as a flat slice of the Go type corresponding to the DType.
type Tensor struct {
	// shape of the tensor. It is considered immutable -- to "reshape" use Reshape, which
	// creates a new Tensor.
	shape shapes.Shape

	// mu protects flat.
	mu   sync.Mutex
	flat any // Slice of the type for the dtype of the given shape.
}

// newTensor returns a Tensor object initialized only with the shape, but no storage yet.
func newTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t = newTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.Size(), t.Size())
	t.flat = flatV.Interface()
	return
}

// FromScalar returns a scalar (rank-0) Tensor with the given value.
func FromScalar[T dtypes.Supported](value T) (t *Tensor) {
	t = FromShape(shapes.Shape{DType: dtypes.FromGenericsType[T]()})
	t.flat.([]T)[0] = value
	return
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, and sets its flattened
// values with the given data.
// The data is copied, the caller keeps ownership of the slice given.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): got %d values, shape requires %d",
			shape, len(data), shape.Size())
	}
	t = FromShape(shape)
	copy(t.flat.([]T), data)
	return
}

// Shape of the tensor, includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// AssertValid panics if the tensor is nil, if its shape is invalid or if its data was released.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor has no data associated"))
	}
}

// LocalClone creates a deep copy of the Tensor.
func (t *Tensor) LocalClone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = newTensor(t.shape.Clone())
		flatV := reflect.ValueOf(flat)
		size := flatV.Len()
		cloneFlatV := reflect.MakeSlice(flatV.Type(), size, size)
		reflect.Copy(cloneFlatV, flatV)
		clone.flat = cloneFlatV.Interface()
	})
	return clone
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding
// to the DType. Even scalar values have a flattened data representation of one element.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), owned by the Tensor; it
// must not be changed -- see Tensor.MutableFlatData for that.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData. It panics if T doesn't match
// the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents
// of the slice itself can be changed until accessFn returns. During this time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData is the "generics" version of Tensor.MutableFlatData. It panics if T doesn't
// match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// ConstBytes calls accessFn with the data as a bytes slice.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), it must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

// MutableBytes gives mutable access to the storage of the values of the tensor, as raw bytes.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

func flatToBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// AssignFlatData will copy over the values in fromFlat to the storage used by toTensor.
// If the dtypes are not compatible or if the size is wrong, it will panic.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the Tensor.
// It panics if the given generic type doesn't match the DType of the tensor, or if the tensor
// is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	var value T
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// CopyFlatData returns a copy of the flat data of the Tensor.
// It panics if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}
