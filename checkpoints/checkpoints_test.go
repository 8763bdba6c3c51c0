package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/distributed"
	"github.com/gomlx/reshard/sharding"
	"github.com/gomlx/reshard/types/shapes"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// testBuffer is a sharding.CommBuffer made directly of its views.
type testBuffer []sharding.ParamView

func (b testBuffer) Views() []sharding.ParamView { return b }

// twoRankWorld builds the catalogs and (logically shaped) model parameters of the test
// scenario: "w" is a float16 parameter with 10 elements padded to 12, split as rank 0
// [0, 6) and rank 1 [6, 12); "b" is a float32 parameter fully local to rank 1.
func twoRankWorld() (catalogs []*sharding.Catalog, params map[string]*tensors.Tensor) {
	wShape := shapes.Make(dtypes.Float16, 2, 5)
	bShape := shapes.Make(dtypes.Float32, 2, 2)
	catalogs = []*sharding.Catalog{
		sharding.BuildCatalog(0, []sharding.CommBuffer{testBuffer{
			{Name: "w", Begin: 0, End: 6, Shape: wShape, Index: 0, PaddedSize: 12},
			{Name: "b", Begin: 0, End: 0, Shape: bShape, Index: 12, PaddedSize: 4},
		}}),
		sharding.BuildCatalog(1, []sharding.CommBuffer{testBuffer{
			{Name: "w", Begin: 6, End: 12, Shape: wShape, Index: 0, PaddedSize: 12},
			{Name: "b", Begin: 12, End: 16, Shape: bShape, Index: 12, PaddedSize: 4},
		}}),
	}

	wData := make([]float16.Float16, 10)
	for i := range wData {
		wData[i] = float16.Fromfloat32(float32(30 + i))
	}
	params = map[string]*tensors.Tensor{
		"w": tensors.FromFlatDataAndDimensions(wData, 2, 5),
		"b": tensors.FromFlatDataAndDimensions([]float32{40, 41, 42, 43}, 2, 2),
	}
	return
}

func rankOptimState() []sharding.StateDict {
	return []sharding.StateDict{
		{
			"w/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 6),
			"w/beta1_pow_acc_0": tensors.FromScalar(float32(0.9)),
		},
		{
			"w/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{6, 7, 8, 9, 0, 0}, 6),
			"w/beta1_pow_acc_0": tensors.FromScalar(float32(0.9)),
			"b/moment1_0":       tensors.FromFlatDataAndDimensions([]float32{20, 21, 22, 23}, 4),
		},
	}
}

func rankMasterWeights() []sharding.StateDict {
	return []sharding.StateDict{
		{"w": tensors.FromFlatDataAndDimensions([]float32{10, 11, 12, 13, 14, 15}, 6)},
		{"w": tensors.FromFlatDataAndDimensions([]float32{16, 17, 18, 19, 0, 0}, 6)},
	}
}

func buildHandlers(t *testing.T, mesh *distributed.Mesh, dir string) []*Handler {
	handlers := make([]*Handler, mesh.Size())
	for rank := range handlers {
		h, err := Build(mesh.Rank(rank)).Dir(dir).Done()
		require.NoError(t, err)
		handlers[rank] = h
	}
	return handlers
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	catalogs, params := twoRankWorld()
	optim := rankOptimState()
	masters := rankMasterWeights()

	mesh := distributed.NewMesh(2)
	handlers := buildHandlers(t, mesh, dir)
	err := mesh.Run(func(g distributed.Group) error {
		rank := g.Rank()
		return handlers[rank].SaveOptimizer(catalogs[rank], optim[rank], masters[rank])
	})
	require.NoError(t, err)

	// Both shard files, the optimizer index and the master-weight index exist.
	for _, name := range []string{
		ShardFileName("optimizer", 0, 2), ShardFileName("optimizer", 1, 2),
		ShardFileName("master_weights", 0, 2), ShardFileName("master_weights", 1, 2),
		OptimizerIndexName, MasterWeightsIndexName,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "expected checkpoint file %q", name)
	}
	idx, err := readIndexFile(dir, OptimizerIndexName)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Metadata.WorldSize)
	// The merged "w" state lives in rank 0's shard (owner of the lowest fragment),
	// "b" in rank 1's.
	assert.Equal(t, ShardFileName("optimizer", 0, 2), idx.WeightMap["w/moment1_0"])
	assert.Equal(t, ShardFileName("optimizer", 1, 2), idx.WeightMap["b/moment1_0"])

	// Load on each rank: no tensor data travels between ranks on load.
	loadedOptim := make([]sharding.StateDict, 2)
	loadedMasters := make([]sharding.StateDict, 2)
	err = mesh.Run(func(g distributed.Group) error {
		rank := g.Rank()
		var err error
		loadedOptim[rank], loadedMasters[rank], err = handlers[rank].LoadOptimizer(catalogs[rank], params)
		return err
	})
	require.NoError(t, err)

	// "w" is reduced precision (float16 parameter), so its state keys carry the
	// master-weight token. Each rank gets back its local slice, padding zero-filled.
	w0 := loadedOptim[0]["w_fp32_master_0_moment1_0"]
	require.NotNil(t, w0)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[float32](w0))
	w1 := loadedOptim[1]["w_fp32_master_0_moment1_0"]
	require.NotNil(t, w1)
	assert.Equal(t, []float32{6, 7, 8, 9, 0, 0}, tensors.CopyFlatData[float32](w1))

	// The scalar state is loaded by both of "w"'s holders, from rank 0's shard.
	for rank := range loadedOptim {
		scalar := loadedOptim[rank]["w_fp32_master_0_beta1_pow_acc_0"]
		require.NotNil(t, scalar, "rank %d missing scalar state", rank)
		assert.Equal(t, float32(0.9), tensors.ToScalar[float32](scalar))
	}

	// "b" is a float32 parameter: plain state name, no master weight.
	b1 := loadedOptim[1]["b_moment1_0"]
	require.NotNil(t, b1)
	assert.Equal(t, []float32{20, 21, 22, 23}, tensors.CopyFlatData[float32](b1))
	assert.NotContains(t, loadedMasters[1], "b_fp32_master_0")
	// The checkpoint has no "b" scalar state: tolerated, left absent.
	assert.NotContains(t, loadedOptim[1], "b_beta1_pow_acc_0")

	// Master weights come back as this rank's local slice, already float32.
	m0 := loadedMasters[0]["w_fp32_master_0"]
	require.NotNil(t, m0)
	require.Equal(t, dtypes.Float32, m0.DType())
	assert.Equal(t, []float32{10, 11, 12, 13, 14, 15}, tensors.CopyFlatData[float32](m0))
	m1 := loadedMasters[1]["w_fp32_master_0"]
	require.NotNil(t, m1)
	assert.Equal(t, []float32{16, 17, 18, 19, 0, 0}, tensors.CopyFlatData[float32](m1))
}

func TestLoadSynthesizesMasterWeights(t *testing.T) {
	dir := t.TempDir()
	catalogs, params := twoRankWorld()
	optim := rankOptimState()

	mesh := distributed.NewMesh(2)
	handlers := buildHandlers(t, mesh, dir)
	err := mesh.Run(func(g distributed.Group) error {
		rank := g.Rank()
		return handlers[rank].SaveOptimizer(catalogs[rank], optim[rank], nil)
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, MasterWeightsIndexName))
	require.True(t, os.IsNotExist(err))

	loadedMasters := make([]sharding.StateDict, 2)
	err = mesh.Run(func(g distributed.Group) error {
		rank := g.Rank()
		var err error
		_, loadedMasters[rank], err = handlers[rank].LoadOptimizer(catalogs[rank], params)
		return err
	})
	require.NoError(t, err)

	// With no master-weight checkpoint, the master weight of the float16 parameter is
	// synthesized by up-casting the parameter itself, then split to the local range.
	m0 := loadedMasters[0]["w_fp32_master_0"]
	require.NotNil(t, m0)
	require.Equal(t, dtypes.Float32, m0.DType())
	assert.Equal(t, []float32{30, 31, 32, 33, 34, 35}, tensors.CopyFlatData[float32](m0))
	m1 := loadedMasters[1]["w_fp32_master_0"]
	require.NotNil(t, m1)
	assert.Equal(t, []float32{36, 37, 38, 39, 0, 0}, tensors.CopyFlatData[float32](m1))
}

func TestLoadFallbackShardScan(t *testing.T) {
	dir := t.TempDir()
	wShape := shapes.Make(dtypes.Float32, 2, 5)
	bShape := shapes.Make(dtypes.Float32, 2, 2)
	catalog := sharding.BuildCatalog(0, []sharding.CommBuffer{testBuffer{
		{Name: "w", Begin: 0, End: 10, Shape: wShape, Index: 0, PaddedSize: 10},
		{Name: "b", Begin: 10, End: 14, Shape: bShape, Index: 10, PaddedSize: 4},
	}})
	params := map[string]*tensors.Tensor{
		"w": tensors.FromFlatDataAndDimensions(make([]float32, 10), 2, 5),
		"b": tensors.FromFlatDataAndDimensions(make([]float32, 4), 2, 2),
	}

	// The primary shard holds only "w"; "b" sits in a sibling shard file the index does
	// not know about, as left behind by a resharding run at a different world size.
	primary := ShardFileName("optimizer", 0, 1)
	_, err := writeShardFile(dir, primary, sharding.StateDict{
		"w/moment1_0": tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 2, 5),
	})
	require.NoError(t, err)
	sibling := "optimizer-shard00003-of-00004.bin"
	_, err = writeShardFile(dir, sibling, sharding.StateDict{
		"b/moment1_0": tensors.FromFlatDataAndDimensions([]float32{20, 21, 22, 23}, 2, 2),
	})
	require.NoError(t, err)
	require.NoError(t, writeIndexFile(dir, OptimizerIndexName, &Index{
		Metadata:  IndexMetadata{WorldSize: 1},
		WeightMap: map[string]string{"w/moment1_0": primary},
	}))

	mesh := distributed.NewMesh(1)
	h, err := Build(mesh.Rank(0)).Dir(dir).Done()
	require.NoError(t, err)
	optim, _, err := h.LoadOptimizer(catalog, params)
	require.NoError(t, err)

	require.Contains(t, optim, "w_moment1_0")
	// "b/moment1_0" was recovered by the fallback sibling scan.
	b := optim["b_moment1_0"]
	require.NotNil(t, b)
	assert.Equal(t, []float32{20, 21, 22, 23}, tensors.CopyFlatData[float32](b))
}

func TestNonMergedSaveLoad(t *testing.T) {
	dir := t.TempDir()
	wShape := shapes.Make(dtypes.Float32, 2, 5)
	catalogs := []*sharding.Catalog{
		sharding.BuildCatalog(0, []sharding.CommBuffer{testBuffer{
			{Name: "w", Begin: 0, End: 6, Shape: wShape, Index: 0, PaddedSize: 12},
		}}),
		sharding.BuildCatalog(1, []sharding.CommBuffer{testBuffer{
			{Name: "w", Begin: 6, End: 12, Shape: wShape, Index: 0, PaddedSize: 12},
		}}),
	}
	params := map[string]*tensors.Tensor{
		"w": tensors.FromFlatDataAndDimensions(make([]float32, 10), 2, 5),
	}
	// Rank 1's shard is missing "w/moment2_0": the state-type union makes rank 1 expect
	// it anyway, and the fallback scan pulls it from rank 0's shard file.
	optim := []sharding.StateDict{
		{
			"w/moment1_0": tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 6),
			"w/moment2_0": tensors.FromFlatDataAndDimensions([]float32{50, 51, 52, 53, 54, 55}, 6),
		},
		{
			"w/moment1_0": tensors.FromFlatDataAndDimensions([]float32{6, 7, 8, 9, 0, 0}, 6),
		},
	}

	mesh := distributed.NewMesh(2)
	handlers := buildHandlers(t, mesh, dir)
	loaded := make([]sharding.StateDict, 2)
	err := mesh.Run(func(g distributed.Group) error {
		rank := g.Rank()
		if err := handlers[rank].SaveNonMergedOptimizer(optim[rank], nil); err != nil {
			return err
		}
		var err error
		loaded[rank], _, err = handlers[rank].LoadNonMergedOptimizer(catalogs[rank], params)
		return err
	})
	require.NoError(t, err)

	// Entries come back rank-local, no splitting.
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[float32](loaded[0]["w_moment1_0"]))
	assert.Equal(t, []float32{6, 7, 8, 9, 0, 0}, tensors.CopyFlatData[float32](loaded[1]["w_moment1_0"]))
	assert.Equal(t, []float32{50, 51, 52, 53, 54, 55}, tensors.CopyFlatData[float32](loaded[0]["w_moment2_0"]))
	// Recovered from rank 0's shard by the fallback scan.
	require.Contains(t, loaded[1], "w_moment2_0")
}

func TestShardNameStripping(t *testing.T) {
	assert.Equal(t, "optimizer.bin", strippedShardName("optimizer-shard00000-of-00002.bin"))
	assert.Equal(t, "optimizer.bin", strippedShardName("optimizer-shard3.bin"))
	assert.Equal(t, "master_weights.bin", strippedShardName(ShardFileName("master_weights", 1, 4)))
	// Unrelated names are left alone and never matched as siblings.
	assert.Equal(t, "optimizer.index.json", strippedShardName("optimizer.index.json"))
}

func TestIndexFileToKeys(t *testing.T) {
	idx := &Index{WeightMap: map[string]string{
		"w/moment1_0": "a.bin",
		"w/moment2_0": "a.bin",
		"b/moment1_0": "b.bin",
	}}
	inverted := idx.FileToKeys()
	assert.Len(t, inverted["a.bin"], 2)
	assert.Equal(t, []string{"b/moment1_0"}, inverted["b.bin"])
}

func TestConfigErrors(t *testing.T) {
	mesh := distributed.NewMesh(1)
	_, err := Build(mesh.Rank(0)).Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")

	_, err = Build(nil).Dir(t.TempDir()).Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group")

	// A regular file in place of the directory is latched as a configuration error.
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = Build(mesh.Rank(0)).Dir(file).Done()
	require.Error(t, err)
}
