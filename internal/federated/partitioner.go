package federated

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"fedpoison/internal/artifact"
	"fedpoison/internal/faults"
	"fedpoison/internal/identity"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
	"fedpoison/internal/schema"
)

// MetaFile is the partitioning metadata document name.
const MetaFile = "federated_meta.json"

// Meta records how one partitioning was created.
type Meta struct {
	NumClients      int   `json:"num_clients"`
	RandomSeed      int64 `json:"random_seed"`
	MinIDsPerClient int   `json:"min_ids_per_client"`
	MaxIDsPerClient int   `json:"max_ids_per_client"`
	TotalTrainIDs   int   `json:"total_train_ids"`
	TotalAssigned   int   `json:"total_assigned"`
}

// Client is one persisted client list.
type Client struct {
	// File is the client file name, e.g. client_03.txt.
	File string
	IDs  []string
}

// Name returns the client name without the file extension.
func (c Client) Name() string {
	return strings.TrimSuffix(c.File, ".txt")
}

// Options configures a Partitioner.
type Options struct {
	// Dir is the artifact key prefix of the partitionings.
	Dir string
	// IdentitiesDir is the identity image tree used to filter train IDs.
	IdentitiesDir string
	Settings      []int
	SeedBase      int64
	Bounds        Bounds
}

// Partitioner creates one partitioning per configured client count.
type Partitioner struct {
	store   artifact.Store
	opts    Options
	log     *logging.Logger
	metrics *metrics.Pipeline
}

// New creates a Partitioner persisting through store. m may be nil.
func New(store artifact.Store, opts Options, log *logging.Logger, m *metrics.Pipeline) *Partitioner {
	return &Partitioner{
		store:   store,
		opts:    opts,
		log:     log.WithComponent("federated"),
		metrics: m,
	}
}

// Run partitions trainIDs for every configured client count and persists
// each result under clients_N. Train IDs without an identity folder are
// dropped first; the rest are sorted into canonical order.
func (p *Partitioner) Run(ctx context.Context, trainIDs []string) (metas []Meta, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveStage("partition", time.Since(start), err) }()

	pool, err := identity.Pool(p.opts.IdentitiesDir)
	if err != nil {
		return nil, err
	}
	valid, dropped := identity.Filter(trainIDs, identity.Set(pool))
	sort.Strings(valid)

	p.log.Info("train identities loaded", "raw", len(trainIDs), "valid", len(valid))
	if len(dropped) > 0 {
		p.log.Warn("train identities without a folder dropped",
			"count", len(dropped), "first", dropped[0])
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: no train identity has a folder under %s", faults.ErrEmptyPool, p.opts.IdentitiesDir)
	}

	for _, n := range p.opts.Settings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := p.partition(ctx, valid, n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", SettingDir(n), err)
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

func (p *Partitioner) partition(ctx context.Context, ids []string, n int) (*Meta, error) {
	clients, err := Partition(ids, n, p.opts.SeedBase, p.opts.Bounds)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, c := range clients {
		total += len(c)
	}
	meta := &Meta{
		NumClients:      n,
		RandomSeed:      DeriveSeed(p.opts.SeedBase, n),
		MinIDsPerClient: p.opts.Bounds.Min,
		MaxIDsPerClient: p.opts.Bounds.Max,
		TotalTrainIDs:   len(ids),
		TotalAssigned:   total,
	}
	metaData, err := schema.Marshal(schema.FederatedMeta, meta)
	if err != nil {
		return nil, err
	}

	dir := artifact.Key(p.opts.Dir, SettingDir(n))
	for cid, list := range clients {
		if err := p.store.Store(ctx, artifact.Key(dir, ClientFile(cid)), identity.EncodeIDs(list)); err != nil {
			return nil, fmt.Errorf("persist client %d: %w", cid, err)
		}
	}
	if err := p.store.Store(ctx, artifact.Key(dir, MetaFile), metaData); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}

	p.log.Info("clients created", "clients", n, "seed", meta.RandomSeed, "assigned", total)
	p.metrics.ObservePartition(n, len(clients))
	return meta, nil
}

// Load reads the partitioning for n clients back, client files in sorted
// order. The client lists are verified against the persisted metadata.
func Load(ctx context.Context, store artifact.Store, dir string, n int) ([]Client, *Meta, error) {
	prefix := artifact.Key(dir, SettingDir(n))
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var clients []Client
	var all []string
	for _, key := range keys {
		name := path.Base(key)
		if path.Dir(key) != prefix || !strings.HasPrefix(name, "client_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		data, err := store.Load(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", key, err)
		}
		c := Client{File: name, IDs: identity.DecodeIDs(data)}
		clients = append(clients, c)
		all = append(all, c.IDs...)
	}
	if len(clients) == 0 {
		return nil, nil, fmt.Errorf("%w: no client files under %s", faults.ErrMissingSource, prefix)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].File < clients[j].File })

	meta, err := LoadMeta(ctx, store, dir, n)
	if err != nil {
		return nil, nil, err
	}
	if meta.NumClients != len(clients) {
		return nil, nil, faults.Integrityf("%s: metadata lists %d clients, found %d files", prefix, meta.NumClients, len(clients))
	}
	if meta.TotalAssigned != len(all) {
		return nil, nil, fmt.Errorf("%w: %s holds %d identities, metadata says %d", faults.ErrIdentityLoss, prefix, len(all), meta.TotalAssigned)
	}
	lists := make([][]string, len(clients))
	for i, c := range clients {
		lists[i] = c.IDs
	}
	if err := Verify(lists, all); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", prefix, err)
	}

	return clients, meta, nil
}

// LoadMeta reads and validates the metadata of the partitioning for n clients.
func LoadMeta(ctx context.Context, store artifact.Store, dir string, n int) (*Meta, error) {
	key := artifact.Key(dir, SettingDir(n), MetaFile)
	data, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var meta Meta
	if err := schema.Unmarshal(schema.FederatedMeta, data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
