package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// OptimizerIndexName is the JSON index written next to the optimizer shard files.
	OptimizerIndexName = "optimizer.index.json"
	// MasterWeightsIndexName is the JSON index for the master-weight shard files.
	MasterWeightsIndexName = "master_weights.index.json"
)

// Index is the metadata file of a sharded checkpoint family: it maps every state key to
// the shard file holding it, so a loader opens only the files it needs.
type Index struct {
	Metadata IndexMetadata `json:"metadata"`

	// WeightMap maps state key -> shard file base name.
	WeightMap map[string]string `json:"weight_map"`
}

// IndexMetadata carries whole-checkpoint information.
type IndexMetadata struct {
	// TotalSize is the sum of the in-memory byte sizes of all entries.
	TotalSize uint64 `json:"total_size"`

	// WorldSize is the number of ranks that wrote the checkpoint.
	WorldSize int `json:"world_size"`
}

// FileToKeys inverts the weight map: shard file base name -> its keys.
func (idx *Index) FileToKeys() map[string][]string {
	inverted := make(map[string][]string)
	for key, file := range idx.WeightMap {
		inverted[file] = append(inverted[file], key)
	}
	return inverted
}

// LoadIndex reads the index of one checkpoint family ("optimizer" or "master_weights")
// from dir. Meant for inspection tools.
func LoadIndex(dir, family string) (*Index, error) {
	switch family {
	case optimizerFamily:
		return readIndexFile(dir, OptimizerIndexName)
	case masterWeightsFamily:
		return readIndexFile(dir, MasterWeightsIndexName)
	}
	return nil, errors.Errorf("unknown checkpoint family %q", family)
}

// writeIndexFile writes idx as indented JSON, atomically: the content goes to a
// uniquely-named temporary file in the same directory, renamed over the target.
func writeIndexFile(dir, name string, idx *Index) error {
	encoded, err := json.MarshalIndent(idx, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint index %q", name)
	}
	tmpPath := filepath.Join(dir, name+".tmp-"+uuid.NewString())
	if err = os.WriteFile(tmpPath, encoded, filePermMode); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint index to %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move checkpoint index into place as %q", name)
	}
	return nil
}

// readIndexFile reads a JSON index written by writeIndexFile. A missing file is reported
// with os.IsNotExist left intact, so callers can distinguish absent from corrupt.
func readIndexFile(dir, name string) (*Index, error) {
	encoded, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	if err = json.Unmarshal(encoded, idx); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint index %q", name)
	}
	return idx, nil
}
