package sharding

import (
	"strings"

	"github.com/gomlx/reshard/distributed"
	"github.com/gomlx/reshard/types/shapes"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateDict maps state entry names to their tensors. Optimizer state entries are keyed
// "<staticName>/<stateType>" (e.g. "embedding.w/moment1_0"); master weights are keyed by
// the static name directly.
type StateDict map[string]*tensors.Tensor

// QuantStage is the checkpoint quantization stage. QuantStageO0 means no precision
// reduction; any other stage enables the scalar-state deduplication of MergeSplitParams.
type QuantStage string

// QuantStageO0 is the default stage: optimizer state is checkpointed at full precision.
const QuantStageO0 QuantStage = "O0"

// StateKeySeparator splits an optimizer state key into static parameter name and state type.
const StateKeySeparator = "/"

// BaseStaticName splits an optimizer state key ("param/moment1_0") into the static parameter
// name and the state type name. Keys without a separator are returned unchanged with an
// empty state type.
func BaseStaticName(key string) (staticName, stateType string) {
	if pos := strings.Index(key, StateKeySeparator); pos >= 0 {
		return key[:pos], key[pos+1:]
	}
	return key, ""
}

// MergeSplitParams executes the gather path of the resharding protocol over sd, in place.
//
// After it returns, on the owning rank each partial parameter's entry holds the full-size,
// reshaped tensor; on every other rank the entry has been transferred away and deleted --
// exactly one rank's view is authoritative per parameter. Full parameters are reshaped in
// place; single-element (scalar) entries pass through untouched, except under a quantization
// stage other than "O0", where scalar entries of partial parameters are dropped on non-owner
// ranks to avoid duplicated scalar state in the merged checkpoint.
//
// The entries are visited in sorted key order. That order, combined with each SendPlan being
// sorted by fragment offset, is what pairs every blocking Recv on the owner with the matching
// blocking Send on the sender; sd must hold the same key set role per rank that the plan was
// derived from.
//
// isMasterWeights selects the key convention: master-weight entries are keyed by static name
// directly, optimizer state entries as "<staticName>/<stateType>".
func MergeSplitParams(g distributed.Group, sd StateDict, plan *Plan, isMasterWeights bool, quantStage QuantStage) error {
	rank := g.Rank()
	for _, key := range xslices.SortedKeys(sd) {
		t := sd[key]
		if t.Size() == 1 {
			// Scalar coefficients (e.g. beta1, beta2 power accumulators) are never sharded.
			continue
		}
		staticName := key
		if !isMasterWeights {
			staticName, _ = BaseStaticName(key)
		}
		info, found := plan.Shapes[staticName]
		if !found {
			// Not a sharded parameter; leave untouched.
			continue
		}
		if !plan.Partial.Has(staticName) {
			// Full on this rank: recover the logical shape, no communication.
			sd[key] = t.Reshape(info.Shape.Dimensions...)
			continue
		}

		recvRank := plan.Recv[staticName]
		sendPlan := plan.Send[staticName]
		basePaddingStart := info.Index + info.Numel
		basePaddingEnd := info.Index + info.PaddedSize

		if rank == recvRank {
			parts := make([]*tensors.Tensor, 0, len(sendPlan))
			for _, fragment := range sendPlan {
				paddingStart := max(fragment.Begin, basePaddingStart)
				paddingEnd := min(fragment.End, basePaddingEnd)
				if fragment.Rank == recvRank {
					local := t
					if paddingStart < paddingEnd {
						if paddingStart == fragment.Begin {
							// Pure padding fragment, contributes no real data.
							continue
						}
						// The local fragment runs into padding: keep only the real data.
						local = t.SliceFlat(0, paddingStart-fragment.Begin)
					}
					parts = append(parts, local)
					continue
				}
				length := fragment.End - fragment.Begin
				if paddingStart < paddingEnd {
					length = paddingStart - fragment.Begin
				}
				if length == 0 {
					// Fragment is pure padding; nothing travels.
					continue
				}
				part := tensors.FromShape(shapes.Make(t.DType(), length))
				var recvErr error
				part.MutableBytes(func(data []byte) {
					recvErr = g.Recv(data, fragment.Rank)
				})
				if recvErr != nil {
					return errors.WithMessagef(recvErr, "receiving fragment [%d, %d) of %q from rank %d",
						fragment.Begin, fragment.End, staticName, fragment.Rank)
				}
				parts = append(parts, part)
			}
			sd[key] = tensors.ConcatFlat(parts...).Reshape(info.Shape.Dimensions...)
			continue
		}

		for _, fragment := range sendPlan {
			if fragment.Rank != rank {
				continue
			}
			paddingStart := max(fragment.Begin, basePaddingStart)
			paddingEnd := min(fragment.End, basePaddingEnd)
			local := t
			if paddingStart < paddingEnd {
				if paddingStart == fragment.Begin {
					// Pure padding fragment: the owner reconstructs it as zeros on load.
					delete(sd, key)
					continue
				}
				local = t.SliceFlat(0, paddingStart-fragment.Begin)
			}
			var sendErr error
			local.ConstBytes(func(data []byte) {
				sendErr = g.Send(data, recvRank)
			})
			if sendErr != nil {
				return errors.WithMessagef(sendErr, "sending fragment [%d, %d) of %q to rank %d",
					fragment.Begin, fragment.End, staticName, recvRank)
			}
			// The fragment has been transferred: drop local ownership so later passes
			// cannot double-count it.
			delete(sd, key)
		}
	}

	if quantStage != QuantStageO0 {
		for _, key := range xslices.SortedKeys(sd) {
			if sd[key].Size() != 1 {
				continue
			}
			staticName := key
			if !isMasterWeights {
				staticName, _ = BaseStaticName(key)
			}
			if plan.Partial.Has(staticName) && rank != plan.Recv[staticName] {
				klog.V(2).Infof("dropping duplicate scalar state %q on rank %d (owner is rank %d)",
					key, rank, plan.Recv[staticName])
				delete(sd, key)
			}
		}
	}
	return nil
}

// GatherForCheckpoint runs the full gather path for a checkpoint save: it exchanges slice
// catalogs, builds the resharding plan and merges both the optimizer state and, when not
// nil, the master weights.
//
// On return, each rank's dictionaries hold only the entries that rank is authoritative for.
func GatherForCheckpoint(g distributed.Group, catalog *Catalog, optimState, masterWeights StateDict, quantStage QuantStage) (*Plan, error) {
	gathered, err := GatherCatalogs(g, catalog)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(gathered)
	if err != nil {
		return nil, err
	}
	if err = MergeSplitParams(g, optimState, plan, false, quantStage); err != nil {
		return nil, err
	}
	if masterWeights != nil {
		if err = MergeSplitParams(g, masterWeights, plan, true, QuantStageO0); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
