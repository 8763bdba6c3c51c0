package sharding

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBuffer is a CommBuffer made directly of its views.
type testBuffer []ParamView

func (b testBuffer) Views() []ParamView { return b }

// twoRankCatalogs builds the catalogs of the reference scenario: parameter "w" with
// 10 elements (shape 2x5) padded to 12, rank 0 holding [0, 6) and rank 1 holding [6, 12);
// parameter "b" with 4 elements fully local to rank 1.
func twoRankCatalogs() (c0, c1 *Catalog) {
	wShape := shapes.Make(dtypes.Float32, 2, 5)
	bShape := shapes.Make(dtypes.Float32, 2, 2)
	c0 = BuildCatalog(0, []CommBuffer{testBuffer{
		{Name: "w", Begin: 0, End: 6, Shape: wShape, Index: 0, PaddedSize: 12},
		{Name: "b", Begin: 0, End: 0, Shape: bShape, Index: 12, PaddedSize: 4},
	}})
	c1 = BuildCatalog(1, []CommBuffer{testBuffer{
		{Name: "w", Begin: 6, End: 12, Shape: wShape, Index: 0, PaddedSize: 12},
		{Name: "b", Begin: 12, End: 16, Shape: bShape, Index: 12, PaddedSize: 4},
	}})
	return
}

func TestBuildCatalog(t *testing.T) {
	c0, c1 := twoRankCatalogs()

	// Only held slices are listed; shape info covers everything viewed.
	require.Len(t, c0.Slices, 1)
	require.Len(t, c0.Shapes, 2)
	require.Equal(t, Slice{Begin: 0, End: 6}, c0.Slices["w"])
	require.Equal(t, 10, c0.Shapes["w"].Numel)
	require.Equal(t, 12, c0.Shapes["w"].PaddedSize)
	require.Len(t, c1.Slices, 2)

	require.Equal(t, Partial, c0.Classify("w"))
	require.Equal(t, Empty, c0.Classify("b"))
	require.Equal(t, Partial, c1.Classify("w"))
	require.Equal(t, Full, c1.Classify("b"))
	require.Equal(t, Empty, c0.Classify("unknown"))
}

func TestBuildCatalogContractViolations(t *testing.T) {
	wShape := shapes.Make(dtypes.Float32, 2, 5)
	require.Panics(t, func() {
		BuildCatalog(0, []CommBuffer{testBuffer{
			{Name: "w", Begin: 0, End: 6, Shape: wShape, Index: 0, PaddedSize: 12},
			{Name: "w", Begin: 6, End: 12, Shape: wShape, Index: 0, PaddedSize: 12},
		}})
	})
	require.Panics(t, func() {
		BuildCatalog(0, []CommBuffer{testBuffer{
			{Name: "w", Begin: 0, End: 6, Shape: wShape, Index: 0, PaddedSize: 9},
		}})
	})
	require.Panics(t, func() {
		BuildCatalog(0, []CommBuffer{testBuffer{
			{Name: "w", Begin: -1, End: 6, Shape: wShape, Index: 0, PaddedSize: 12},
		}})
	})
}

func TestBuildPlanScenario(t *testing.T) {
	c0, c1 := twoRankCatalogs()
	plan, err := BuildPlan([]*Catalog{c0, c1})
	require.NoError(t, err)

	// "w" is partial: the send plan covers the padded range in offset order, and the
	// owner is the rank with the lowest-offset fragment.
	require.True(t, plan.Partial.Has("w"))
	require.Equal(t, []SendRange{{Rank: 0, Begin: 0, End: 6}, {Rank: 1, Begin: 6, End: 12}}, plan.Send["w"])
	require.Equal(t, 0, plan.Recv["w"])

	// "b" is fully local to rank 1: no communication planned.
	require.False(t, plan.Partial.Has("b"))
	_, found := plan.Send["b"]
	require.False(t, found)
}

func TestBuildPlanIdempotence(t *testing.T) {
	c0, c1 := twoRankCatalogs()
	plan1, err := BuildPlan([]*Catalog{c0, c1})
	require.NoError(t, err)
	plan2, err := BuildPlan([]*Catalog{c0, c1})
	require.NoError(t, err)
	assert.Equal(t, plan1.Partial, plan2.Partial)
	assert.Equal(t, plan1.Send, plan2.Send)
	assert.Equal(t, plan1.Recv, plan2.Recv)
}

func TestBuildPlanSinglePaddedHolder(t *testing.T) {
	// A single rank holding real data plus padding is still partial: the merge must
	// truncate the padding.
	wShape := shapes.Make(dtypes.Float32, 10)
	c0 := BuildCatalog(0, []CommBuffer{testBuffer{
		{Name: "w", Begin: 0, End: 12, Shape: wShape, Index: 0, PaddedSize: 12},
	}})
	plan, err := BuildPlan([]*Catalog{c0})
	require.NoError(t, err)
	require.True(t, plan.Partial.Has("w"))
	require.Equal(t, 0, plan.Recv["w"])
}

func TestBuildPlanTilingViolations(t *testing.T) {
	wShape := shapes.Make(dtypes.Float32, 2, 5)
	makeCatalogs := func(slice0, slice1 Slice) []*Catalog {
		c0 := BuildCatalog(0, []CommBuffer{testBuffer{
			{Name: "w", Begin: slice0.Begin, End: slice0.End, Shape: wShape, Index: 0, PaddedSize: 12},
		}})
		c1 := BuildCatalog(1, []CommBuffer{testBuffer{
			{Name: "w", Begin: slice1.Begin, End: slice1.End, Shape: wShape, Index: 0, PaddedSize: 12},
		}})
		return []*Catalog{c0, c1}
	}

	// Gap between fragments.
	_, err := BuildPlan(makeCatalogs(Slice{0, 5}, Slice{6, 12}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not tile")

	// Overlapping fragments.
	_, err = BuildPlan(makeCatalogs(Slice{0, 7}, Slice{6, 12}))
	require.Error(t, err)

	// Coverage stops short of the padded range.
	_, err = BuildPlan(makeCatalogs(Slice{0, 6}, Slice{6, 11}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "padded range")
}
