// Package checkpoints saves and loads sharded optimizer checkpoints.
//
// The main object is the Handler, created by calling Build, followed by the various
// option settings and finally calling Config.Done.
//
// On save, every rank contributes its slice of the optimizer state: the slices are
// merged across the process group so each parameter is written exactly once, by the rank
// owning its lowest-offset fragment, into that rank's shard file. Rank 0 additionally
// writes a JSON index mapping every state key to the shard file holding it. On load the
// protocol runs in reverse: each rank reads the merged entries it needs -- only shard
// files intersecting its expected key set are opened -- and re-slices them to its local
// padded range. No inter-rank communication carries tensor data at load time.
//
// Example:
//
//	handler, err := checkpoints.Build(group).Dir(*flagCheckpoint).Done()
//	must.M(err)
//	must.M(handler.SaveOptimizer(catalog, optimState, masterWeights))
package checkpoints

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/reshard/distributed"
	"github.com/gomlx/reshard/sharding"
	"github.com/gomlx/reshard/types"
	"github.com/gomlx/reshard/types/tensors"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	filePermMode = os.FileMode(0660)
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done().
type Config struct {
	group distributed.Group

	err error

	dir            string
	quantStage     sharding.QuantStage
	conversions    sharding.ConversionProvider
	structToStatic map[string]string
	staticToStruct map[string]string
	showProgress   bool
}

// Build a configuration for a checkpoints.Handler operating on behalf of the local rank
// of the given group. After configuring the returned Config, call Done.
func Build(group distributed.Group) *Config {
	return &Config{
		group:      group,
		quantStage: sharding.QuantStageO0,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. All ranks must point at
// the same (shared) directory.
//
// One must set either Dir, DirFromBase or TempDir before building the Handler.
func (c *Config) Dir(dir string) *Config {
	c.dir = replaceTildeInDir(dir)
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}
	if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If dir is not an absolute path, assumes it is a subdirectory of baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = replaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = replaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp,
// meant for single-host runs; with multiple ranks each would get a different directory.
//
// Any errors are reported on the return of the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// QuantStage sets the quantization stage label of the training run. Under any stage
// other than "O0" the scalar states of a partial parameter are saved only by its owning
// rank. The default is "O0".
func (c *Config) QuantStage(stage sharding.QuantStage) *Config {
	c.quantStage = stage
	return c
}

// WithConversions installs a provider of tensor-parallel conversion actions, applied to
// matching entries at shard-read time. Without a provider loading is a pass-through.
func (c *Config) WithConversions(provider sharding.ConversionProvider) *Config {
	c.conversions = provider
	return c
}

// StaticNames installs the mapping from structural parameter names (the names models use)
// to static parameter names (the names communication buffers and shard files use). A nil
// or absent mapping means the two name spaces are the same.
func (c *Config) StaticNames(structToStatic map[string]string) *Config {
	c.structToStatic = structToStatic
	c.staticToStruct = make(map[string]string, len(structToStatic))
	for structural, static := range structToStatic {
		if prev, found := c.staticToStruct[static]; found {
			c.setError(errors.Errorf("static name %q mapped from both %q and %q", static, prev, structural))
			return c
		}
		c.staticToStruct[static] = structural
	}
	return c
}

// ShowProgress displays a progress bar over shard files while loading.
func (c *Config) ShowProgress() *Config {
	c.showProgress = true
	return c
}

// Done creates a Handler with the current configuration. It returns an error if the
// configuration is invalid, or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.group == nil {
		return nil, errors.Errorf("process group for checkpoints not configured")
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	return &Handler{config: c}, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// replaceTildeInDir replaces an initial "~" in a directory path with the user's home.
func replaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return path.Join(home, dir[1:])
}

// Handler handles saving and loading of sharded optimizer checkpoints for one rank of a
// process group. See example in the package documentation.
//
// It is created and configured using Build(), followed by option settings and then
// calling Config.Done().
type Handler struct {
	config *Config
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q, rank %d)", h.config.dir, h.config.group.Rank())
}

// Dir returns the directory the Handler is configured to.
// It returns "" (empty) if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// toStatic maps a structural parameter name to its static name. It reports whether a
// mapping exists; with no mapping configured the name spaces are the same.
func (h *Handler) toStatic(structural string) (string, bool) {
	if h.config.structToStatic == nil {
		return structural, true
	}
	static, found := h.config.structToStatic[structural]
	return static, found
}

// toStructural is the reverse of toStatic.
func (h *Handler) toStructural(static string) (string, bool) {
	if h.config.staticToStruct == nil {
		return static, true
	}
	structural, found := h.config.staticToStruct[static]
	return structural, found
}

// shardSummary is the per-rank payload gathered to assemble the index: the keys the rank
// wrote to its shard file and their total byte size.
type shardSummary struct {
	Keys  []string
	Bytes uint64
}

// SaveOptimizer writes a merged sharded checkpoint of the optimizer state and, when not
// nil, the master weights.
//
// It first runs the gather path of the resharding protocol, so each split parameter is
// merged onto the rank owning its lowest-offset fragment. Every rank then writes its
// shard file -- holding exactly the entries it is authoritative for -- and rank 0 writes
// the JSON index assembled from an all-gather of the shard listings.
//
// The call is collective: all ranks of the group must call it, with the state dicts
// matching the catalog they built. The dicts are modified in place by the merge.
func (h *Handler) SaveOptimizer(catalog *sharding.Catalog, optimState, masterWeights sharding.StateDict) error {
	plan, err := sharding.GatherForCheckpoint(h.config.group, catalog, optimState, masterWeights, h.config.quantStage)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to merge split parameters", h)
	}
	if err = h.saveFamily(optimizerFamily, OptimizerIndexName, optimState); err != nil {
		return err
	}
	if masterWeights != nil {
		if err = h.saveFamily(masterWeightsFamily, MasterWeightsIndexName, masterWeights); err != nil {
			return err
		}
	}
	klog.V(1).Infof("%s: saved optimizer checkpoint (%d parameters, %d merged from slices)",
		h, len(plan.Shapes), len(plan.Partial))
	return nil
}

// saveFamily writes the local shard file of one checkpoint family and has rank 0 write
// the family's index from an all-gather of the per-rank shard listings. Every rank
// writes a shard file, even when its dict came out of the merge empty, so the file set
// is predictable.
func (h *Handler) saveFamily(family, indexName string, entries sharding.StateDict) error {
	g := h.config.group
	rank, world := g.Rank(), g.Size()
	shardName := ShardFileName(family, rank, world)
	totalBytes, err := writeShardFile(h.config.dir, shardName, entries)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to write shard", h)
	}

	summary := shardSummary{Keys: xslices.SortedKeys(entries), Bytes: totalBytes}
	var buf bytes.Buffer
	if err = gob.NewEncoder(&buf).Encode(&summary); err != nil {
		return errors.Wrapf(err, "%s: failed to encode shard summary", h)
	}
	payloads, err := g.AllGather(buf.Bytes())
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to gather shard summaries", h)
	}
	if rank != 0 {
		return nil
	}

	idx := &Index{
		Metadata:  IndexMetadata{WorldSize: world},
		WeightMap: make(map[string]string),
	}
	for peer, payload := range payloads {
		var peerSummary shardSummary
		if err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&peerSummary); err != nil {
			return errors.Wrapf(err, "%s: failed to decode shard summary from rank %d", h, peer)
		}
		idx.Metadata.TotalSize += peerSummary.Bytes
		peerShard := ShardFileName(family, peer, world)
		for _, key := range peerSummary.Keys {
			if prev, found := idx.WeightMap[key]; found {
				// Scalar states may be written by every rank under stage "O0"; the copies
				// are identical, keep the lowest rank's.
				klog.V(2).Infof("%s: key %q in both %q and %q, indexing the first", h, key, prev, peerShard)
				continue
			}
			idx.WeightMap[key] = peerShard
		}
	}
	if err = writeIndexFile(h.config.dir, indexName, idx); err != nil {
		return errors.WithMessagef(err, "%s: failed to write index", h)
	}
	return nil
}

// heldParams returns the sorted structural names of the parameters in params that this
// rank holds a slice of, per the catalog.
func (h *Handler) heldParams(catalog *sharding.Catalog, params map[string]*tensors.Tensor) ([]string, error) {
	var held []string
	for _, structural := range xslices.SortedKeys(params) {
		static, found := h.toStatic(structural)
		if !found {
			return nil, errors.Errorf("%s: parameter %q has no static name mapping", h, structural)
		}
		if _, heldHere := catalog.Slices[static]; heldHere {
			held = append(held, structural)
		}
	}
	return held, nil
}

// stateTypesFromKeys extracts the distinct optimizer state-type names ("moment1_0", ...)
// from "name/stateType" keys.
func stateTypesFromKeys(keys []string) types.Set[string] {
	found := types.MakeSet[string]()
	for _, key := range keys {
		if _, stateType := sharding.BaseStaticName(key); stateType != "" {
			found.Insert(stateType)
		}
	}
	return found
}

// gatherStateTypes unions the state-type names observed by every rank. Shard files
// written by heterogeneous runs may carry incomplete state-type sets per rank; the
// union is what every rank's expected key set must be built from.
func gatherStateTypes(g distributed.Group, local types.Set[string]) (types.Set[string], error) {
	var buf bytes.Buffer
	localSorted := make([]string, 0, len(local))
	for name := range local {
		localSorted = append(localSorted, name)
	}
	sort.Strings(localSorted)
	if err := gob.NewEncoder(&buf).Encode(localSorted); err != nil {
		return nil, errors.Wrap(err, "failed to encode state-type names")
	}
	payloads, err := g.AllGather(buf.Bytes())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to gather state-type names")
	}
	union := types.MakeSet[string]()
	for peer, payload := range payloads {
		var names []string
		if err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&names); err != nil {
			return nil, errors.Wrapf(err, "failed to decode state-type names from rank %d", peer)
		}
		for _, name := range names {
			union.Insert(name)
		}
	}
	return union, nil
}

// LoadOptimizer loads this rank's slice of the optimizer state from a merged sharded
// checkpoint written by SaveOptimizer.
//
// params holds the rank's model parameters keyed by structural name, at their logical
// shapes; it determines which state entries the rank expects (those of parameters its
// catalog holds a slice of) and, per parameter, whether it is stored at reduced
// precision. Loaded entries are re-split to the rank's local padded range and renamed to
// "<name>_<stateType>", with the master-weight token spliced in for reduced-precision
// parameters.
//
// Master weights are loaded when their index is present; a reduced-precision parameter
// missing its master weight gets one synthesized by up-casting the parameter. Expected
// keys missing from the checkpoint, after the fallback shard scan, are logged and left
// absent -- callers must tolerate a sparse result.
func (h *Handler) LoadOptimizer(catalog *sharding.Catalog, params map[string]*tensors.Tensor) (optimState, masterWeights sharding.StateDict, err error) {
	g := h.config.group
	if catalog.Rank != g.Rank() {
		return nil, nil, errors.Errorf("%s: catalog was built for rank %d", h, catalog.Rank)
	}
	idx, err := readIndexFile(h.config.dir, OptimizerIndexName)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to read optimizer index", h)
	}

	held, err := h.heldParams(catalog, params)
	if err != nil {
		return nil, nil, err
	}
	stateTypes := stateTypesFromKeys(xslices.SortedKeys(idx.WeightMap))

	// Expected shard keys: cross product of held static names and state types.
	expected := types.MakeSet[string]()
	heldStatics := make([]string, 0, len(held))
	for _, structural := range held {
		static, _ := h.toStatic(structural)
		heldStatics = append(heldStatics, static)
		for stateType := range stateTypes {
			expected.Insert(static + sharding.StateKeySeparator + stateType)
		}
	}

	loaded, err := h.readExpected(idx, optimizerFamily, expected)
	if err != nil {
		return nil, nil, err
	}
	h.applyConversions(loaded, heldStatics, true)
	if err = sharding.SplitForLocalRank(loaded, nil, catalog); err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: failed to split loaded optimizer state", h)
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

	masterWeights, err = h.loadMasterWeights(catalog, params, held)
	if err != nil {
		return nil, nil, err
	}
	return optimState, masterWeights, nil
}

// loadMasterWeights loads (or synthesizes) the master weights of the rank's held
// reduced-precision parameters. With no master-weight index present every master weight
// is synthesized from its parameter.
func (h *Handler) loadMasterWeights(catalog *sharding.Catalog, params map[string]*tensors.Tensor, held []string) (sharding.StateDict, error) {
	reduced := make([]string, 0, len(held))
	for _, structural := range held {
		if params[structural].DType() != dtypes.Float32 {
			reduced = append(reduced, structural)
		}
	}
	if len(reduced) == 0 {
		return sharding.StateDict{}, nil
	}

	loaded := sharding.StateDict{}
	idx, err := readIndexFile(h.config.dir, MasterWeightsIndexName)
	switch {
	case os.IsNotExist(err):
		klog.V(1).Infof("%s: no master-weight index, synthesizing from parameters", h)
	case err != nil:
		return nil, errors.Wrapf(err, "%s: failed to read master-weight index", h)
	default:
		expected := types.MakeSet[string]()
		for _, structural := range reduced {
			static, _ := h.toStatic(structural)
			expected.Insert(static)
		}
		if loaded, err = h.readExpected(idx, masterWeightsFamily, expected); err != nil {
			return nil, err
		}
	}

	statics := make([]string, 0, len(reduced))
	for _, structural := range reduced {
		static, _ := h.toStatic(structural)
		statics = append(statics, static)
		if t, found := loaded[static]; found {
			loaded[static] = sharding.EnsureMasterWeight(t)
			continue
		}
		loaded[static] = sharding.SynthesizeMasterWeight(params[structural])
	}
	h.applyConversions(loaded, statics, false)
	if err = sharding.SplitForLocalRank(loaded, nil, catalog); err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to split loaded master weights", h)
	}

	masterWeights := make(sharding.StateDict, len(loaded))
	for _, static := range xslices.SortedKeys(loaded) {
		structural, found := h.toStructural(static)
		if !found {
			return nil, errors.Errorf("%s: loaded master weight %q has no structural name mapping", h, static)
		}
		masterWeights[sharding.MasterWeightName(structural)] = loaded[static]
	}
	return masterWeights, nil
}

// applyConversions runs the configured tensor-parallel conversion actions over the
// matching entries of sd, in place. modelKeys are the static names the provider is
// consulted with; forOptimizer expands per-parameter actions over "name/stateType" keys.
func (h *Handler) applyConversions(sd sharding.StateDict, modelKeys []string, forOptimizer bool) {
	if h.config.conversions == nil {
		return
	}
	actions := h.config.conversions.ConversionActions(modelKeys)
	if forOptimizer {
		actions = sharding.MapOptimizerActions(actions, xslices.SortedKeys(sd))
	}
	for _, key := range xslices.SortedKeys(sd) {
		action, found := actions[key]
		if !found {
			continue
		}
		converted, err := action(sd[key])
		if err != nil {
			klog.Warningf("%s: conversion action for %q failed, keeping stored value: %v", h, key, err)
			continue
		}
		sd[key] = converted
	}
}

// readExpected reads the expected keys from the shard files the index points them at,
// then runs the fallback sibling scan for any keys still missing. Keys missing after the
// fallback are logged and left absent.
func (h *Handler) readExpected(idx *Index, family string, expected types.Set[string]) (sharding.StateDict, error) {
	// Primary pass: only shard files holding at least one expected key.
	fileSet := types.MakeSet[string]()
	for key := range expected {
		if file, found := idx.WeightMap[key]; found {
			fileSet.Insert(file)
		}
	}
	files := make([]string, 0, len(fileSet))
	for file := range fileSet {
		files = append(files, file)
	}
	sort.Strings(files)

	var bar *progressbar.ProgressBar
	if h.config.showProgress {
		bar = progressbar.Default(int64(len(files)), fmt.Sprintf("loading %s shards", family))
	}
	loaded := sharding.StateDict{}
	for _, file := range files {
		sd, err := readShardFile(filepath.Join(h.config.dir, file), expected)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to read shard", h)
		}
		for key, t := range sd {
			loaded[key] = t
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	unfound := missingKeys(expected, loaded)
	if len(unfound) > 0 {
		if err := h.fallbackScan(family, unfound, fileSet, loaded); err != nil {
			return nil, err
		}
		unfound = missingKeys(expected, loaded)
	}
	if len(unfound) > 0 {
		names := make([]string, 0, len(unfound))
		for key := range unfound {
			names = append(names, key)
		}
		sort.Strings(names)
		klog.Warningf("%s: %d %s state keys not found in checkpoint: %v", h, len(names), family, names)
	}
	return loaded, nil
}

// fallbackScan reads still-missing keys from sibling shard files: directory entries
// whose name, with the shard-index tokens stripped, matches this rank's shard name
// similarly stripped. Already-read files are skipped.
func (h *Handler) fallbackScan(family string, unfound types.Set[string], alreadyRead types.Set[string], loaded sharding.StateDict) error {
	g := h.config.group
	primary := ShardFileName(family, g.Rank(), g.Size())
	siblings, err := fallbackSiblings(h.config.dir, primary)
	if err != nil {
		return errors.WithMessagef(err, "%s: fallback shard scan failed", h)
	}
	for _, sibling := range siblings {
		if len(unfound) == 0 {
			return nil
		}
		if alreadyRead.Has(sibling) {
			continue
		}
		sd, err := readShardFile(filepath.Join(h.config.dir, sibling), unfound)
		if err != nil {
			return errors.WithMessagef(err, "%s: fallback shard scan failed", h)
		}
		for key, t := range sd {
			klog.V(1).Infof("%s: key %q recovered from sibling shard %q", h, key, sibling)
			loaded[key] = t
			delete(unfound, key)
		}
	}
	return nil
}

// missingKeys returns expected − loaded.
func missingKeys(expected types.Set[string], loaded sharding.StateDict) types.Set[string] {
	missing := types.MakeSet[string]()
	for key := range expected {
		if _, found := loaded[key]; !found {
			missing.Insert(key)
		}
	}
	return missing
}
