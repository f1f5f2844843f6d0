package split

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fedpoison/internal/artifact"
	"fedpoison/internal/faults"
	"fedpoison/internal/identity"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
	"fedpoison/internal/schema"
)

// MetaFile is the split metadata document name.
const MetaFile = "split_meta.json"

// Meta records how a split was created.
type Meta struct {
	RandomSeed int64   `json:"random_seed"`
	TrainRatio float64 `json:"train_ratio"`
	ValRatio   float64 `json:"val_ratio"`
	TestRatio  float64 `json:"test_ratio"`
	PoolSize   int     `json:"pool_size"`
	TrainSize  int     `json:"train_size"`
	ValSize    int     `json:"val_size"`
	TestSize   int     `json:"test_size"`
}

// Options configures a Splitter.
type Options struct {
	// Dir is the artifact key prefix of the split files.
	Dir    string
	Ratios Ratios
	Seed   int64
}

// Splitter creates the split once and loads it on every later run.
type Splitter struct {
	store   artifact.Store
	opts    Options
	log     *logging.Logger
	metrics *metrics.Pipeline
}

// New creates a Splitter persisting through store. m may be nil.
func New(store artifact.Store, opts Options, log *logging.Logger, m *metrics.Pipeline) *Splitter {
	return &Splitter{
		store:   store,
		opts:    opts,
		log:     log.WithComponent("split"),
		metrics: m,
	}
}

// Keys returns the train, val and test artifact keys under dir.
func Keys(dir string) (train, val, test string) {
	return artifact.Key(dir, "train_ids.txt"),
		artifact.Key(dir, "val_ids.txt"),
		artifact.Key(dir, "test_ids.txt")
}

// Run returns the persisted split if one exists, or computes and persists a
// new one from pool. loaded reports which happened. A split of which only
// some files exist is never recomputed.
func (s *Splitter) Run(ctx context.Context, pool []string) (a *Assignment, loaded bool, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStage("split", time.Since(start), err) }()

	if err := s.opts.Ratios.Check(); err != nil {
		return nil, false, err
	}

	train, val, test := Keys(s.opts.Dir)
	present, err := artifact.ExistsAll(ctx, s.store, train, val, test)
	if err != nil {
		return nil, false, err
	}

	switch present {
	case 3:
		a, err := Load(ctx, s.store, s.opts.Dir)
		if err != nil {
			return nil, false, err
		}
		s.log.Info("existing split loaded",
			"train", len(a.Train), "val", len(a.Val), "test", len(a.Test))
		s.metrics.ObserveSplit(len(a.Train), len(a.Val), len(a.Test))
		return a, true, nil
	case 0:
	default:
		return nil, false, fmt.Errorf("%w: %d of 3 split files under %s", faults.ErrPartialArtifact, present, s.opts.Dir)
	}

	s.log.Info("creating split", "pool", len(pool), "seed", s.opts.Seed)
	a, err = Split(pool, s.opts.Ratios, s.opts.Seed)
	if err != nil {
		return nil, false, err
	}

	meta := Meta{
		RandomSeed: s.opts.Seed,
		TrainRatio: s.opts.Ratios.Train,
		ValRatio:   s.opts.Ratios.Val,
		TestRatio:  s.opts.Ratios.Test,
		PoolSize:   len(pool),
		TrainSize:  len(a.Train),
		ValSize:    len(a.Val),
		TestSize:   len(a.Test),
	}
	metaData, err := schema.Marshal(schema.SplitMeta, meta)
	if err != nil {
		return nil, false, err
	}

	// Metadata goes last so its presence implies a complete split.
	writes := []struct {
		key  string
		data []byte
	}{
		{train, identity.EncodeIDs(a.Train)},
		{val, identity.EncodeIDs(a.Val)},
		{test, identity.EncodeIDs(a.Test)},
		{artifact.Key(s.opts.Dir, MetaFile), metaData},
	}
	for _, w := range writes {
		if err := s.store.Store(ctx, w.key, w.data); err != nil {
			return nil, false, fmt.Errorf("persist split: %w", err)
		}
	}

	s.log.Info("split created and locked",
		"train", len(a.Train), "val", len(a.Val), "test", len(a.Test))
	s.metrics.ObserveSplit(len(a.Train), len(a.Val), len(a.Test))
	return a, false, nil
}

// Load reads a persisted split verbatim and verifies it. When the split
// metadata is present its pool size is checked as well.
func Load(ctx context.Context, store artifact.Store, dir string) (*Assignment, error) {
	train, val, test := Keys(dir)

	var lists [3][]string
	for i, key := range []string{train, val, test} {
		data, err := store.Load(ctx, key)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", faults.ErrPartialArtifact, key)
			}
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		lists[i] = identity.DecodeIDs(data)
	}
	a := &Assignment{Train: lists[0], Val: lists[1], Test: lists[2]}

	poolSize := -1
	meta, err := LoadMeta(ctx, store, dir)
	switch {
	case err == nil:
		poolSize = meta.PoolSize
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, err
	}

	if err := Verify(a, poolSize); err != nil {
		return nil, fmt.Errorf("persisted split under %s: %w", dir, err)
	}
	return a, nil
}

// LoadMeta reads and validates the split metadata.
func LoadMeta(ctx context.Context, store artifact.Store, dir string) (*Meta, error) {
	data, err := store.Load(ctx, artifact.Key(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := schema.Unmarshal(schema.SplitMeta, data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
