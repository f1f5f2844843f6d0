// Package attack synthesizes multi-face registration attacks into a
// federated client population.
//
// A single generator seeded with the run seed drives every random choice, in
// this order: the malicious client files are sampled first; then each client
// file is visited in sorted order. A malicious client samples its targets,
// and for each target its donors, the target's images and each donor's
// images. A normal client samples images for each valid identity in turn.
// Changing this order changes every result downstream of it.
package attack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fedpoison/internal/artifact"
	"fedpoison/internal/faults"
	"fedpoison/internal/federated"
	"fedpoison/internal/identity"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
	"fedpoison/internal/mtrand"
	"fedpoison/internal/schema"
)

// Tree names under the output directory.
const (
	NormalTree = "NormalPairs"
	AttackTree = "AttackPairs"
)

// Options configures a Synthesizer.
type Options struct {
	// IdentitiesDir is the identity image tree images are copied from.
	IdentitiesDir string
	// OutputDir receives the NormalPairs and AttackPairs trees.
	OutputDir string
	// MetaKey is the artifact key of the provenance document.
	MetaKey string

	Fraction           float64
	ImagesPerIdentity  int
	AttackIDsPerClient int
	DonorsPerAttack    int
	MinValidIdentities int
}

// Synthesizer materializes normal and attack samples from one partitioning.
type Synthesizer struct {
	store   artifact.Store
	opts    Options
	log     *logging.Logger
	metrics *metrics.Pipeline
}

// New creates a Synthesizer. m may be nil.
func New(store artifact.Store, opts Options, log *logging.Logger, m *metrics.Pipeline) *Synthesizer {
	return &Synthesizer{
		store:   store,
		opts:    opts,
		log:     log.WithComponent("attack"),
		metrics: m,
	}
}

// Run synthesizes the trees for clients under seed and persists the
// provenance document. clients must be in sorted file order, as
// federated.Load returns them. Both trees are cleared first.
func (s *Synthesizer) Run(ctx context.Context, clients []federated.Client, seed int64) (meta *Metadata, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStage("synthesize", time.Since(start), err) }()

	if len(clients) == 0 {
		return nil, faults.Configf("no client files to attack")
	}
	if err := s.checkOptions(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.opts.IdentitiesDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", faults.ErrMissingSource, s.opts.IdentitiesDir)
	}

	files := make([]string, len(clients))
	for i, c := range clients {
		files[i] = c.File
	}
	if !sort.StringsAreSorted(files) {
		return nil, faults.Configf("client files must be in sorted order")
	}

	normalDir := filepath.Join(s.opts.OutputDir, NormalTree)
	attackDir := filepath.Join(s.opts.OutputDir, AttackTree)
	for _, dir := range []string{normalDir, attackDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("reset %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	rng := mtrand.New(seed)
	malicious := mtrand.Sample(rng, files, MaliciousCount(len(files), s.opts.Fraction))
	sort.Strings(malicious)
	isMalicious := identity.Set(malicious)

	log := s.log.WithSeed(seed)
	log.Info("malicious clients selected", "clients", len(files), "malicious", malicious)

	meta = &Metadata{
		RandomSeed:            seed,
		AttackFraction:        s.opts.Fraction,
		NumAttackIDsPerClient: s.opts.AttackIDsPerClient,
		DonorsPerAttack:       s.opts.DonorsPerAttack,
		ImagesPerIdentity:     s.opts.ImagesPerIdentity,
		NumClients:            len(files),
		MaliciousClients:      malicious,
		SkippedClients:        []string{},
		Clients:               []ClientEntry{},
	}
	var summary metrics.AttackSummary
	summary.MaliciousClients = len(malicious)

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		valid := make([]string, 0, len(c.IDs))
		for _, id := range c.IDs {
			if identity.Exists(s.opts.IdentitiesDir, id) {
				valid = append(valid, id)
			}
		}
		log.Debug("client loaded", "client", c.File, "raw", len(c.IDs), "valid", len(valid))

		if len(valid) < s.opts.MinValidIdentities {
			log.Warn("client skipped: not enough valid identities",
				"client", c.File, "valid", len(valid), "min", s.opts.MinValidIdentities)
			meta.SkippedClients = append(meta.SkippedClients, c.File)
			summary.Skipped++
			continue
		}

		name := clientName(c.File)
		if _, ok := isMalicious[c.File]; ok {
			entries, err := s.attackClient(rng, filepath.Join(attackDir, name), name, valid)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				summary.Targets++
				summary.AttackRequested += e.ImagesRequested
				summary.AttackCopied += e.ImagesCopied
			}
			meta.Clients = append(meta.Clients, entries...)
			continue
		}

		entry, err := s.normalClient(rng, filepath.Join(normalDir, name), name, valid)
		if err != nil {
			return nil, err
		}
		summary.NormalRequested += entry.ImagesRequested
		summary.NormalCopied += entry.ImagesCopied
		meta.Clients = append(meta.Clients, entry)
	}

	if err := meta.Verify(); err != nil {
		return nil, err
	}
	data, err := schema.Marshal(schema.AttackMetadata, meta)
	if err != nil {
		return nil, err
	}
	if err := s.store.Store(ctx, s.opts.MetaKey, data); err != nil {
		return nil, fmt.Errorf("persist attack metadata: %w", err)
	}

	log.Info("attack synthesis complete",
		"attack_identities", summary.Targets,
		"skipped_clients", summary.Skipped,
		"images_requested", summary.AttackRequested+summary.NormalRequested,
		"images_copied", summary.AttackCopied+summary.NormalCopied)
	s.metrics.ObserveAttack(summary)
	return meta, nil
}

func (s *Synthesizer) checkOptions() error {
	o := s.opts
	switch {
	case o.Fraction <= 0 || o.Fraction > 1:
		return faults.Configf("attack fraction %v must be in (0, 1]", o.Fraction)
	case o.ImagesPerIdentity < 1, o.AttackIDsPerClient < 1, o.DonorsPerAttack < 1:
		return faults.Configf("images, targets and donors per client must be >= 1")
	case o.MinValidIdentities < 2:
		return faults.Configf("min valid identities %d must be >= 2", o.MinValidIdentities)
	case o.MetaKey == "":
		return faults.Configf("attack metadata key is required")
	}
	return nil
}

// attackClient builds one folder per sampled target holding the target's
// own images and the images of its donors.
func (s *Synthesizer) attackClient(rng *mtrand.Rand, outDir, name string, valid []string) ([]ClientEntry, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", outDir, err)
	}

	targets := mtrand.Sample(rng, valid, min(s.opts.AttackIDsPerClient, len(valid)))
	entries := make([]ClientEntry, 0, len(targets))

	for _, target := range targets {
		others := make([]string, 0, len(valid)-1)
		for _, id := range valid {
			if id != target {
				others = append(others, id)
			}
		}
		donors := mtrand.Sample(rng, others, min(s.opts.DonorsPerAttack, len(valid)-1))

		tgtDir := filepath.Join(outDir, target)
		if err := os.MkdirAll(tgtDir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", tgtDir, err)
		}

		entry := ClientEntry{
			Client:          name,
			Type:            TypeAttack,
			TargetIdentity:  target,
			DonorIdentities: donors,
		}

		req, cp := s.copySample(rng, target, tgtDir, "")
		entry.ImagesRequested += req
		entry.ImagesCopied += cp

		for _, donor := range donors {
			req, cp := s.copySample(rng, donor, tgtDir, "attack_"+donor+"_")
			entry.ImagesRequested += req
			entry.ImagesCopied += cp
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

// normalClient copies a sample of every valid identity's own images.
func (s *Synthesizer) normalClient(rng *mtrand.Rand, outDir, name string, valid []string) (ClientEntry, error) {
	entry := ClientEntry{Client: name, Type: TypeNormal}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return entry, fmt.Errorf("create %s: %w", outDir, err)
	}

	for _, id := range valid {
		idDir := filepath.Join(outDir, id)
		if err := os.MkdirAll(idDir, 0755); err != nil {
			return entry, fmt.Errorf("create %s: %w", idDir, err)
		}
		req, cp := s.copySample(rng, id, idDir, "")
		entry.ImagesRequested += req
		entry.ImagesCopied += cp
	}
	return entry, nil
}

// copySample samples up to ImagesPerIdentity images of id from the listing
// taken before copying and copies them into dst with prefix prepended to
// each name. Missing or empty folders contribute nothing, and failed copies
// are logged and counted as not copied.
func (s *Synthesizer) copySample(rng *mtrand.Rand, id, dst, prefix string) (requested, copied int) {
	imgs := identity.Images(s.opts.IdentitiesDir, id)
	picked := mtrand.Sample(rng, imgs, min(s.opts.ImagesPerIdentity, len(imgs)))

	for _, img := range picked {
		src := filepath.Join(s.opts.IdentitiesDir, id, img)
		if err := identity.CopyFile(src, filepath.Join(dst, prefix+img)); err != nil {
			s.log.Warn("image not copied", "identity", id, "image", img, "error", err)
			continue
		}
		copied++
	}
	return len(picked), copied
}
