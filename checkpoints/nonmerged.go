package checkpoints

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/sharding"
	"github.com/gomlx/reshard/types"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Non-merged checkpoints skip the resharding protocol entirely: every rank writes its
// local slices as-is to its own shard file, and reads them back without any splitting.
// They are cheaper to write but only loadable at the same world size and slice layout.

// SaveNonMergedOptimizer writes this rank's optimizer state (and master weights, when
// not nil) to its shard file without merging slices across ranks. No index is written;
// loading relies on the per-rank file naming.
func (h *Handler) SaveNonMergedOptimizer(optimState, masterWeights sharding.StateDict) error {
	g := h.config.group
	rank, world := g.Rank(), g.Size()
	if _, err := writeShardFile(h.config.dir, ShardFileName(optimizerFamily, rank, world), optimState); err != nil {
		return errors.WithMessagef(err, "%s: failed to write non-merged optimizer shard", h)
	}
	if masterWeights != nil {
		if _, err := writeShardFile(h.config.dir, ShardFileName(masterWeightsFamily, rank, world), masterWeights); err != nil {
			return errors.WithMessagef(err, "%s: failed to write non-merged master-weight shard", h)
		}
	}
	return nil
}

// LoadNonMergedOptimizer loads this rank's optimizer state from a non-merged checkpoint:
// the entries are already rank-local slices, so no splitting happens.
//
// The state-type names observed per rank are unioned over the group, so every rank
// expects the same cross product of held parameters and state types even when its own
// shard file carries an incomplete type set. Expected keys missing from the rank's shard
// file are pulled from sibling shard files (the fallback scan); keys still missing are
// logged and left absent. Entries are renamed as in LoadOptimizer.
//
// The call is collective because of the state-type union.
func (h *Handler) LoadNonMergedOptimizer(catalog *sharding.Catalog, params map[string]*tensors.Tensor) (optimState, masterWeights sharding.StateDict, err error) {
	g := h.config.group
	if catalog.Rank != g.Rank() {
		return nil, nil, errors.Errorf("%s: catalog was built for rank %d", h, catalog.Rank)
	}
	primary := ShardFileName(optimizerFamily, g.Rank(), g.Size())
	loaded, err := readShardFile(filepath.Join(h.config.dir, primary), nil)
	if os.IsNotExist(errors.Cause(err)) {
		loaded = sharding.StateDict{}
	} else if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: failed to read non-merged optimizer shard", h)
	}

	stateTypes, err := gatherStateTypes(g, stateTypesFromKeys(xslices.SortedKeys(loaded)))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: failed to union state-type names", h)
	}
	held, err := h.heldParams(catalog, params)
	if err != nil {
		return nil, nil, err
	}
	expected := types.MakeSet[string]()
	for _, structural := range held {
		static, _ := h.toStatic(structural)
		for stateType := range stateTypes {
			expected.Insert(static + sharding.StateKeySeparator + stateType)
		}
	}
	// Entries outside the expected set do not belong to this rank's parameters.
	for _, key := range xslices.SortedKeys(loaded) {
		if !expected.Has(key) {
			delete(loaded, key)
		}
	}

	unfound := missingKeys(expected, loaded)
	if len(unfound) > 0 {
		if err = h.fallbackScan(optimizerFamily, unfound, types.SetWith(primary), loaded); err != nil {
			return nil, nil, err
		}
		unfound = missingKeys(expected, loaded)
	}
	if len(unfound) > 0 {
		klog.Warningf("%s: %d optimizer state keys not found in non-merged checkpoint", h, len(unfound))
	}

	optimState = make(sharding.StateDict, len(loaded))
	for _, key := range xslices.SortedKeys(loaded) {
		static, stateType := sharding.BaseStaticName(key)
		structural, found := h.toStructural(static)
		if !found {
			return nil, nil, errors.Errorf("%s: loaded key %q has no structural name mapping", h, key)
		}
		reduced := params[structural].DType() != dtypes.Float32
		optimState[sharding.OptimizerStateName(structural, stateType, reduced)] = loaded[key]
	}

	masterWeights, err = h.loadNonMergedMasterWeights()
	if err != nil {
		return nil, nil, err
	}
	return optimState, masterWeights, nil
}

// loadNonMergedMasterWeights reads this rank's master-weight shard, if present, and
// up-casts every entry to the canonical precision. Non-merged checkpoints never
// synthesize master weights: they hold rank-local slices, the parameters hold logical
// shapes.
func (h *Handler) loadNonMergedMasterWeights() (sharding.StateDict, error) {
	g := h.config.group
	path := filepath.Join(h.config.dir, ShardFileName(masterWeightsFamily, g.Rank(), g.Size()))
	loaded, err := readShardFile(path, nil)
	if os.IsNotExist(errors.Cause(err)) {
		return sharding.StateDict{}, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to read non-merged master-weight shard", h)
	}
	masterWeights := make(sharding.StateDict, len(loaded))
	for _, static := range xslices.SortedKeys(loaded) {
		structural, found := h.toStructural(static)
		if !found {
			return nil, errors.Errorf("%s: loaded master weight %q has no structural name mapping", h, static)
		}
		masterWeights[sharding.MasterWeightName(structural)] = sharding.EnsureMasterWeight(loaded[static])
	}
	return masterWeights, nil
}
