package sharding

import (
	"github.com/gomlx/reshard/types/shapes"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/pkg/errors"
)

// SplitForLocalRank executes the load path of the resharding protocol over sd, in place:
// every multi-element entry, holding the flat globally-merged buffer read from a checkpoint,
// is re-sliced to this rank's local padded range.
//
// The reconstructed entry has exactly End-Begin elements: the real-data portion
// [Begin-Index, End-Index) of the merged buffer, followed by zero elements wherever the
// local range extends into the padding zone. This matches what the local communication
// buffer expects to receive at restore time. No communication happens: the merged
// checkpoint already holds the logically complete buffer.
//
// structToStatic maps structural key names (the first component of "name/stateType" keys)
// to static parameter names; a nil map means the structural name is the static name.
func SplitForLocalRank(sd StateDict, structToStatic map[string]string, catalog *Catalog) error {
	for _, key := range xslices.SortedKeys(sd) {
		t := sd[key]
		if t.Size() <= 1 {
			continue
		}
		structuralName, _ := BaseStaticName(key)
		staticName := structuralName
		if structToStatic != nil {
			var found bool
			if staticName, found = structToStatic[structuralName]; !found {
				return errors.Errorf("loaded key %q has no static name mapping", key)
			}
		}
		slice, found := catalog.Slices[staticName]
		if !found {
			return errors.Errorf("loaded key %q (parameter %q) is not held by rank %d", key, staticName, catalog.Rank)
		}
		info := catalog.Shapes[staticName]

		flat := t.Flatten()
		if flat.Size() != info.Numel {
			return errors.Errorf("merged buffer for %q has %d elements, parameter has %d", key, flat.Size(), info.Numel)
		}
		paddingStart := max(slice.Begin, info.Index+info.Numel)
		paddingEnd := min(slice.End, info.Index+info.PaddedSize)

		realEnd := min(slice.End, info.Index+info.Numel)
		var local *tensors.Tensor
		if realEnd > slice.Begin {
			local = flat.SliceFlat(slice.Begin-info.Index, realEnd-info.Index)
		}
		if paddingStart < paddingEnd {
			padding := tensors.FromShape(shapes.Make(t.DType(), paddingEnd-paddingStart))
			if local == nil {
				local = padding
			} else {
				local = tensors.ConcatFlat(local, padding)
			}
		}
		if local == nil || local.Size() != slice.End-slice.Begin {
			return errors.Errorf("reconstructed local buffer for %q has wrong length", key)
		}
		sd[key] = local
	}
	return nil
}
