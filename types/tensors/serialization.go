package tensors

import (
	"encoding/gob"
	"reflect"

	"github.com/gomlx/reshard/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize Tensor in binary format.
//
// It returns an error for I/O errors.
// It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	err = encoder.Encode(t.flat)
	if err != nil {
		err = errors.Wrapf(err, "failed to write Tensor data")
	}
	return
}

// GobDeserialize a Tensor from the decoder.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	// Build the tensor using the data returned by the decoder, to avoid a copy.
	t = newTensor(shape)
	t.flat = flatPtrV.Elem().Interface()
	return
}
