package sharding

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/types/tensors"
)

// Master weights are higher-precision shadow copies of parameters trained at reduced
// precision. They are checkpointed next to the optimizer state, keyed by static name,
// and resharded by the same merge/split protocol (with isMasterWeights=true).

// FP32MasterSuffix is the token appended to a static parameter name to mark the
// float32 master-weight (shadow) copy.
const FP32MasterSuffix = "fp32_master_0"

// MasterWeightName returns the canonical state name for the master-weight copy of the
// given static parameter name.
func MasterWeightName(staticName string) string {
	return staticName + "_" + FP32MasterSuffix
}

// OptimizerStateName builds the final optimizer state-dict key for a loaded
// "<structural>/<stateType>" entry. Parameters kept at reduced precision carry the
// master-weight suffix token between the static name and the state type; parameters
// already stored at float32 need no master weights, and no token.
func OptimizerStateName(staticName, stateType string, reducedPrecision bool) string {
	if reducedPrecision {
		return staticName + "_" + FP32MasterSuffix + "_" + stateType
	}
	return staticName + "_" + stateType
}

// EnsureMasterWeight returns t up-cast to the canonical master-weight precision
// (float32). If t is already float32 it is returned unchanged.
func EnsureMasterWeight(t *tensors.Tensor) *tensors.Tensor {
	if t.DType() == dtypes.Float32 {
		return t
	}
	return tensors.CastToFloat32(t)
}

// SynthesizeMasterWeight creates the master-weight copy of a regular parameter, for
// checkpoints saved without master weights (some precision-reduction modes strip them).
func SynthesizeMasterWeight(param *tensors.Tensor) *tensors.Tensor {
	return tensors.CastToFloat32(param)
}
