package checkpoints

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/gomlx/reshard/sharding"
	"github.com/gomlx/reshard/types"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	optimizerFamily     = "optimizer"
	masterWeightsFamily = "master_weights"

	binSuffix = ".bin"
)

// ShardFileName returns the base name of the shard file written by the given rank, e.g.
// "optimizer-shard00000-of-00002.bin".
func ShardFileName(family string, rank, worldSize int) string {
	return fmt.Sprintf("%s-shard%05d-of-%05d%s", family, rank, worldSize, binSuffix)
}

// shardTokenRegex matches the shard-index tokens of a shard file name, so that sibling
// shard files of the same family compare equal once the tokens are stripped.
var shardTokenRegex = regexp.MustCompile(`-shard\d+(-of-\d+)?`)

// strippedShardName removes the shard-index tokens from a file base name.
func strippedShardName(name string) string {
	return shardTokenRegex.ReplaceAllString(name, "")
}

// fallbackSiblings lists shard files in dir that belong to the same family as primary --
// same base name once shard-index tokens are stripped -- excluding primary itself.
// The result is sorted, so every rank scans siblings in the same order.
func fallbackSiblings(dir, primary string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q for fallback shard scan", dir)
	}
	want := strippedShardName(primary)
	var siblings []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == primary {
			continue
		}
		if !shardTokenRegex.MatchString(name) {
			continue
		}
		if strippedShardName(name) == want {
			siblings = append(siblings, name)
		}
	}
	sort.Strings(siblings)
	return siblings, nil
}

// writeShardFile writes entries as a gob stream to dir/name, atomically (temporary file
// with a unique suffix, renamed over the target). Entries are written in sorted key
// order. It returns the total in-memory byte size of the tensors written.
func writeShardFile(dir, name string, entries sharding.StateDict) (totalBytes uint64, err error) {
	tmpPath := filepath.Join(dir, name+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermMode)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create shard file %q", tmpPath)
	}
	removeTmp := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	enc := gob.NewEncoder(f)
	if err = enc.Encode(len(keys)); err != nil {
		removeTmp()
		return 0, errors.Wrapf(err, "failed to write header of shard file %q", name)
	}
	for _, key := range keys {
		if err = enc.Encode(key); err != nil {
			removeTmp()
			return 0, errors.Wrapf(err, "failed to write key %q to shard file %q", key, name)
		}
		if err = entries[key].GobSerialize(enc); err != nil {
			removeTmp()
			return 0, errors.Wrapf(err, "failed to write tensor %q to shard file %q", key, name)
		}
		totalBytes += uint64(entries[key].Memory())
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "failed to close shard file %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "failed to move shard file into place as %q", name)
	}
	return totalBytes, nil
}

// readShardFile reads a shard file back into a StateDict. If want is non-nil only the
// wanted keys are kept; the gob stream is sequential, so everything is still decoded.
func readShardFile(path string, want types.Set[string]) (sharding.StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open shard file %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var count int
	if err = dec.Decode(&count); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of shard file %q", path)
	}
	sd := make(sharding.StateDict, count)
	for range count {
		var key string
		if err = dec.Decode(&key); err != nil {
			return nil, errors.Wrapf(err, "failed to read key from shard file %q", path)
		}
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read tensor %q from shard file %q", key, path)
		}
		if want == nil || want.Has(key) {
			sd[key] = t
		}
	}
	return sd, nil
}

// ReadShard reads an entire shard file into a StateDict. Meant for inspection tools;
// loaders go through the Handler, which reads only the keys a rank expects.
func ReadShard(path string) (sharding.StateDict, error) {
	return readShardFile(path, nil)
}

// shardKeys returns the sorted key listing of a shard file.
func shardKeys(path string) ([]string, error) {
	sd, err := readShardFile(path, nil)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(sd))
	for key := range sd {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
