package sharding

import (
	"testing"

	"github.com/gomlx/reshard/distributed"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankStateDicts() (optim, masters []StateDict) {
	optim = []StateDict{
		{
			"w/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 6),
			"w/beta1_pow_acc_0": tensors.FromScalar(float32(0.9)),
			"global_step":       tensors.FromScalar(float32(100)),
		},
		{
			"w/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{6, 7, 8, 9, 0, 0}, 6),
			"w/beta1_pow_acc_0": tensors.FromScalar(float32(0.9)),
			"b/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{20, 21, 22, 23}, 4),
		},
	}
	masters = []StateDict{
		{"w": tensors.FromFlatDataAndDimensions([]float32{10, 11, 12, 13, 14, 15}, 6)},
		{
			"w": tensors.FromFlatDataAndDimensions([]float32{16, 17, 18, 19, 0, 0}, 6),
			"b": tensors.FromFlatDataAndDimensions([]float32{30, 31, 32, 33}, 4),
		},
	}
	return
}

func TestMergeThenSplitRoundTrip(t *testing.T) {
	c0, c1 := twoRankCatalogs()
	catalogs := []*Catalog{c0, c1}
	optim, masters := rankStateDicts()

	mesh := distributed.NewMesh(2)
	err := mesh.Run(func(g distributed.Group) error {
		_, err := GatherForCheckpoint(g, catalogs[g.Rank()], optim[g.Rank()], masters[g.Rank()], QuantStageO0)
		return err
	})
	require.NoError(t, err)

	// Rank 0 holds the lowest-offset fragment of "w", so after the merge it is the
	// authoritative rank: its entry is the full logically-shaped tensor, with the
	// padding elements truncated away.
	merged := optim[0]["w/moment1_0"]
	require.NotNil(t, merged)
	require.Equal(t, []int{2, 5}, merged.Shape().Dimensions)
	require.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, tensors.CopyFlatData[float32](merged))

	// Rank 1's fragment was transferred away and deleted.
	_, found := optim[1]["w/moment1_0"]
	require.False(t, found)

	// Scalars pass through untouched on every rank under "O0".
	require.Contains(t, optim[0], "w/beta1_pow_acc_0")
	require.Contains(t, optim[1], "w/beta1_pow_acc_0")
	require.Contains(t, optim[0], "global_step")

	// "b" is fully local to rank 1: reshaped in place, no communication.
	b := optim[1]["b/moment1_0"]
	require.Equal(t, []int{2, 2}, b.Shape().Dimensions)
	require.Equal(t, []float32{20, 21, 22, 23}, tensors.CopyFlatData[float32](b))

	// Master weights follow the same plan, keyed by static name directly.
	mergedMaster := masters[0]["w"]
	require.NotNil(t, mergedMaster)
	require.Equal(t, []int{2, 5}, mergedMaster.Shape().Dimensions)
	require.Equal(t, []float32{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, tensors.CopyFlatData[float32](mergedMaster))
	_, found = masters[1]["w"]
	require.False(t, found)

	// Load path: each rank re-slices the merged buffers back to its own padded range.
	// No communication: the merged checkpoint holds the logically complete buffers.
	load0 := StateDict{"w/moment1_0": merged.LocalClone()}
	require.NoError(t, SplitForLocalRank(load0, nil, c0))
	require.Equal(t, []float32{0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[float32](load0["w/moment1_0"]))

	load1 := StateDict{
		"w/moment1_0": merged.LocalClone(),
		"b/moment1_0": b.LocalClone(),
	}
	require.NoError(t, SplitForLocalRank(load1, nil, c1))
	// Rank 1's range runs into the padding zone, reconstructed as zeros.
	require.Equal(t, []float32{6, 7, 8, 9, 0, 0}, tensors.CopyFlatData[float32](load1["w/moment1_0"]))
	require.Equal(t, []float32{20, 21, 22, 23}, tensors.CopyFlatData[float32](load1["b/moment1_0"]))
}

func TestMergeQuantStageDropsDuplicateScalars(t *testing.T) {
	c0, c1 := twoRankCatalogs()
	catalogs := []*Catalog{c0, c1}
	optim, _ := rankStateDicts()

	mesh := distributed.NewMesh(2)
	err := mesh.Run(func(g distributed.Group) error {
		_, err := GatherForCheckpoint(g, catalogs[g.Rank()], optim[g.Rank()], nil, QuantStage("O1"))
		return err
	})
	require.NoError(t, err)

	// The owner keeps the scalar state of its partial parameter; the other rank's
	// duplicate is dropped so the merged checkpoint holds it exactly once.
	require.Contains(t, optim[0], "w/beta1_pow_acc_0")
	assert.NotContains(t, optim[1], "w/beta1_pow_acc_0")
	// Scalars of non-partial parameters are untouched.
	require.Contains(t, optim[0], "global_step")
}

func TestSplitWithStructuralNames(t *testing.T) {
	c0, _ := twoRankCatalogs()
	merged := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 2, 5)

	sd := StateDict{"linear_0.weight/moment1_0": merged.LocalClone()}
	require.NoError(t, SplitForLocalRank(sd, map[string]string{"linear_0.weight": "w"}, c0))
	require.Equal(t, []float32{0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[float32](sd["linear_0.weight/moment1_0"]))

	// A structural name without a mapping is an error, not a silent mis-slice.
	sd = StateDict{"linear_1.weight/moment1_0": merged.LocalClone()}
	err := SplitForLocalRank(sd, map[string]string{"linear_0.weight": "w"}, c0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no static name mapping")
}

func TestSplitRejectsForeignKeys(t *testing.T) {
	c0, _ := twoRankCatalogs()
	// "b" is not held by rank 0 at all.
	sd := StateDict{"b/moment1_0": tensors.FromFlatDataAndDimensions([]float32{20, 21, 22, 23}, 2, 2)}
	err := SplitForLocalRank(sd, nil, c0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not held by rank 0")
}

func TestSplitRejectsWrongSize(t *testing.T) {
	c0, _ := twoRankCatalogs()
	sd := StateDict{"w/moment1_0": tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3}, 4)}
	err := SplitForLocalRank(sd, nil, c0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elements")
}

func TestBaseStaticName(t *testing.T) {
	static, stateType := BaseStaticName("w/moment1_0")
	assert.Equal(t, "w", static)
	assert.Equal(t, "moment1_0", stateType)

	static, stateType = BaseStaticName("global_step")
	assert.Equal(t, "global_step", static)
	assert.Equal(t, "", stateType)
}
