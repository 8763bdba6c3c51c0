// Package sharding implements the stage-1 split-param resharding protocol: it reshapes and
// redistributes optimizer and master-weight state across the ranks of a sharding group, so
// checkpoints can be saved in a rank-count-independent, mergeable format and restored under
// an arbitrary (possibly different) rank count.
//
// A logical parameter lives in a flat communication buffer, padded up to the sharding block
// granularity, and each rank owns one contiguous slice of that buffer. The protocol:
//
//  1. BuildCatalog extracts each rank's slice/shape metadata from its communication buffers.
//  2. GatherCatalogs exchanges the catalogs across the group (one all-gather).
//  3. BuildPlan classifies each parameter (full / empty / partial) and, for partial ones,
//     derives a deterministic send plan and owner rank.
//  4. MergeSplitParams executes the gather path (checkpoint save): point-to-point transfers
//     materialize the full-size tensor on the owner, and senders drop their fragment.
//  5. SplitForLocalRank executes the load path (checkpoint restore): it re-slices a merged
//     flat buffer back to the local padded range, with no communication.
//
// Correctness of the point-to-point phase depends only on every rank deriving the identical
// plan from the identical gathered metadata -- there is no message tagging. See BuildPlan.
package sharding

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/reshard/types/shapes"
)

// ParamView describes one logical parameter as exposed by a flat communication buffer,
// local to one rank.
type ParamView struct {
	// Name is the stable ("static") name of the logical parameter.
	Name string

	// Begin and End delimit the half-open global-offset range of the flat storage this rank
	// holds for the parameter. The rank holds nothing when End <= Begin.
	Begin, End int

	// Shape is the logical (unsharded) shape of the parameter.
	Shape shapes.Shape

	// Index is the global flat offset of the parameter's block within the padded buffer.
	Index int

	// PaddedSize is the parameter's element count rounded up to the sharding block
	// granularity. The range [Index+Shape.Size(), Index+PaddedSize) is padding.
	PaddedSize int
}

// CommBuffer is the view the sharded optimizer exposes over one of its flat parameter
// communication buffers.
type CommBuffer interface {
	Views() []ParamView
}

// ShapeInfo is the geometry of one logical parameter within the padded flat buffer.
type ShapeInfo struct {
	Shape             shapes.Shape
	Numel             int
	Index, PaddedSize int
}

// Slice is the half-open [Begin, End) global-offset range of flat storage held by one rank.
type Slice struct {
	Begin, End int
}

// Class is the sharding classification of a logical parameter on a given rank.
type Class int

const (
	// Empty: this rank holds no data for the parameter.
	Empty Class = iota
	// Full: this rank's slice covers the parameter's whole real-data range.
	Full
	// Partial: this rank's slice covers a strict sub-range (possibly including padding).
	Partial
)

// Catalog is one rank's slice catalog: the slices it holds and the geometry of the
// parameters it has visibility over. It is the unit exchanged by GatherCatalogs.
type Catalog struct {
	// Rank that produced this catalog.
	Rank int

	// Slices maps parameter name to the local slice; only names actually held
	// (End > Begin) are listed.
	Slices map[string]Slice

	// Shapes maps parameter name to its geometry, for every name viewed by this rank's
	// communication buffers.
	Shapes map[string]ShapeInfo
}

// BuildCatalog inspects the local communication buffers and builds this rank's slice catalog.
// It is a pure extraction, no communication happens.
//
// Malformed views are programming-contract violations of the sharding layer and panic.
func BuildCatalog(rank int, buffers []CommBuffer) *Catalog {
	c := &Catalog{
		Rank:   rank,
		Slices: make(map[string]Slice),
		Shapes: make(map[string]ShapeInfo),
	}
	for _, buffer := range buffers {
		for _, view := range buffer.Views() {
			if _, found := c.Shapes[view.Name]; found {
				exceptions.Panicf("BuildCatalog: parameter %q appears in more than one communication buffer", view.Name)
			}
			numel := view.Shape.Size()
			if view.PaddedSize < numel {
				exceptions.Panicf("BuildCatalog: parameter %q has padded size %d < %d elements",
					view.Name, view.PaddedSize, numel)
			}
			if view.Begin < 0 {
				exceptions.Panicf("BuildCatalog: parameter %q has negative slice begin %d", view.Name, view.Begin)
			}
			c.Shapes[view.Name] = ShapeInfo{
				Shape:      view.Shape,
				Numel:      numel,
				Index:      view.Index,
				PaddedSize: view.PaddedSize,
			}
			if view.End > view.Begin {
				c.Slices[view.Name] = Slice{Begin: view.Begin, End: view.End}
			}
		}
	}
	return c
}

// Classify returns the local classification of the named parameter: Empty if this rank holds
// nothing, Full if the local slice covers the whole real-data range, Partial otherwise.
func (c *Catalog) Classify(name string) Class {
	slice, found := c.Slices[name]
	if !found {
		return Empty
	}
	info, found := c.Shapes[name]
	if !found {
		exceptions.Panicf("Catalog.Classify(%q): slice present without shape info", name)
	}
	if slice.End-slice.Begin == info.Numel {
		return Full
	}
	return Partial
}
