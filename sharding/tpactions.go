package sharding

import (
	"github.com/gomlx/reshard/types/tensors"
)

// ConversionAction rewrites a tensor at shard-read time -- typically merging or splitting
// along tensor-parallel axes. The actions themselves are supplied by the model layer; this
// package only routes them.
type ConversionAction func(t *tensors.Tensor) (*tensors.Tensor, error)

// ConversionProvider is the capability interface implemented by model variants that are
// additionally tensor-parallel-sharded (base models, parameter-efficient variants, ...).
// It is consulted once at checkpoint-load entry; when the tensor-parallel degree is 1 no
// provider is configured and loading is a pass-through.
type ConversionProvider interface {
	// ConversionActions returns the conversion to apply per structural key, for the
	// given model keys. Keys without an action are loaded as-is.
	ConversionActions(modelKeys []string) map[string]ConversionAction
}

// MapOptimizerActions expands per-parameter conversion actions to the optimizer state keys
// that derive from them: a parameter's action applies to each of its "<param>/<stateType>"
// entries.
func MapOptimizerActions(actions map[string]ConversionAction, expectedKeys []string) map[string]ConversionAction {
	mapped := make(map[string]ConversionAction, len(expectedKeys))
	for _, key := range expectedKeys {
		staticName, stateType := BaseStaticName(key)
		if stateType == "" {
			continue
		}
		if action, found := actions[staticName]; found {
			mapped[key] = action
		}
	}
	return mapped
}
