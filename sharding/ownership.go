package sharding

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/gomlx/reshard/distributed"
	"github.com/gomlx/reshard/types"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SendRange is one fragment of a partial parameter: the sender rank and the half-open
// global-offset range it holds.
type SendRange struct {
	Rank       int
	Begin, End int
}

// Plan is the group-wide resharding plan for all partial parameters, derived independently
// (and identically) on every rank from the gathered catalogs.
type Plan struct {
	// Partial holds the names of parameters whose data spans more than one rank's slice
	// (or a single slice that includes padding).
	Partial types.Set[string]

	// Send maps each partial parameter to its fragments, sorted by ascending Begin.
	// The sort order is the send/receive matching order: every rank iterates it in this
	// exact sequence, which is what keeps the blocking point-to-point calls paired without
	// message tagging.
	Send map[string][]SendRange

	// Recv maps each partial parameter to the rank that will hold the merged result: the
	// rank holding the lowest-offset fragment. Ownership follows data layout, not process
	// topology, so merges stay local whenever the lowest-offset fragment and most of the
	// data coincide on the same rank.
	Recv map[string]int

	// Shapes is the first-seen geometry of every parameter present in any rank's catalog.
	Shapes map[string]ShapeInfo
}

// GatherCatalogs exchanges this rank's catalog with all other ranks of the sharding group.
// It returns all ranks' catalogs in rank order. Every rank of the group must call it: it is
// a synchronization barrier.
func GatherCatalogs(g distributed.Group, local *Catalog) ([]*Catalog, error) {
	if local.Rank != g.Rank() {
		return nil, errors.Errorf("catalog was built for rank %d but the group handle is rank %d", local.Rank, g.Rank())
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(local); err != nil {
		return nil, errors.Wrapf(err, "failed to encode slice catalog of rank %d", local.Rank)
	}
	payloads, err := g.AllGather(buf.Bytes())
	if err != nil {
		return nil, errors.WithMessagef(err, "all-gather of slice catalogs failed on rank %d", g.Rank())
	}
	gathered := make([]*Catalog, len(payloads))
	for rank, payload := range payloads {
		c := &Catalog{}
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(c); err != nil {
			return nil, errors.Wrapf(err, "failed to decode slice catalog gathered from rank %d", rank)
		}
		if c.Rank != rank {
			return nil, errors.Errorf("catalog gathered at position %d claims to be from rank %d", rank, c.Rank)
		}
		gathered[rank] = c
	}
	return gathered, nil
}

// BuildPlan classifies every parameter present in the gathered catalogs and derives the
// send plan and owner for each partial one.
//
// The plan is a pure function of the gathered catalogs: all ranks call it with the same
// (all-gathered) inputs and obtain the same plan, which is the ordering contract the
// point-to-point phase of MergeSplitParams depends on.
//
// It fails fast if the fragments of a partial parameter do not tile its padded range
// exactly (gap or overlap), instead of silently mis-merging.
func BuildPlan(gathered []*Catalog) (*Plan, error) {
	plan := &Plan{
		Partial: types.MakeSet[string](),
		Send:    make(map[string][]SendRange),
		Recv:    make(map[string]int),
		Shapes:  make(map[string]ShapeInfo),
	}

	// First-seen geometry for every name.
	names := types.MakeSet[string]()
	for _, c := range gathered {
		for name, info := range c.Shapes {
			if !names.Has(name) {
				names.Insert(name)
				plan.Shapes[name] = info
			}
		}
	}

	for _, name := range xslices.SortedKeys(plan.Shapes) {
		info := plan.Shapes[name]
		var fragments []SendRange
		for _, c := range gathered {
			if slice, found := c.Slices[name]; found {
				fragments = append(fragments, SendRange{Rank: c.Rank, Begin: slice.Begin, End: slice.End})
			}
		}
		if len(fragments) == 0 {
			// Declared by some buffer but held by nobody; nothing to plan.
			continue
		}
		sort.Slice(fragments, func(i, j int) bool { return fragments[i].Begin < fragments[j].Begin })
		if len(fragments) == 1 && fragments[0].End-fragments[0].Begin == info.Numel {
			// Full on a single rank: no communication planned.
			continue
		}

		// Partial: fragments must tile [Index, Index+PaddedSize) exactly.
		cursor := info.Index
		for _, fragment := range fragments {
			if fragment.Begin != cursor {
				return nil, errors.Errorf(
					"slices for parameter %q do not tile its padded range: expected a fragment starting at %d, rank %d holds [%d, %d)",
					name, cursor, fragment.Rank, fragment.Begin, fragment.End)
			}
			cursor = fragment.End
		}
		if cursor != info.Index+info.PaddedSize {
			return nil, errors.Errorf(
				"slices for parameter %q cover [%d, %d) but its padded range is [%d, %d)",
				name, info.Index, cursor, info.Index, info.Index+info.PaddedSize)
		}

		plan.Partial.Insert(name)
		plan.Send[name] = fragments
		plan.Recv[name] = fragments[0].Rank
	}
	if klog.V(1).Enabled() {
		klog.Infof("resharding plan: %d parameters, %d partial", len(plan.Shapes), len(plan.Partial))
	}
	return plan, nil
}
