// Package experiment runs the attack synthesizer and the detection scorer
// once per seed and aggregates the per-seed metrics.
//
// Seeds run sequentially in one process: the tree a seed synthesizes is
// scored before the next seed starts, so no seed can read another's output.
// The first failing seed aborts the run and no results document is written.
package experiment

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"fedpoison/internal/artifact"
	"fedpoison/internal/attack"
	"fedpoison/internal/detect"
	"fedpoison/internal/faults"
	"fedpoison/internal/federated"
	"fedpoison/internal/ledger"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
	"fedpoison/internal/schema"
)

// ResultsFile is the name of the multi-seed results document.
const ResultsFile = "multiseed_results.json"

// Stage is the ledger stage name of a seed run.
const Stage = "experiment"

// SeedResult holds the detection metrics of one seed.
type SeedResult struct {
	Seed                int64   `json:"seed"`
	NumAttackIdentities int     `json:"num_attack_identities"`
	ROCAUC              float64 `json:"roc_auc"`
	TPRAt1Pct           float64 `json:"tpr_1pct"`
	TPRAt01Pct          float64 `json:"tpr_0.1pct"`
}

// Summary aggregates the per-seed results.
type Summary struct {
	Seeds         int     `json:"seeds"`
	MeanROCAUC    float64 `json:"mean_roc_auc"`
	StdROCAUC     float64 `json:"std_roc_auc"`
	MeanTPRAt1Pct float64 `json:"mean_tpr_1pct"`
	StdTPRAt1Pct  float64 `json:"std_tpr_1pct"`
}

// Outcome is the result of a completed multi-seed run.
type Outcome struct {
	Results []SeedResult
	Summary Summary
}

// Recorder persists run bookkeeping. *ledger.Ledger implements it.
type Recorder interface {
	BeginRun(ctx context.Context, stage string, seed *int64) (string, error)
	FinishRun(ctx context.Context, id string, runErr error) error
	RecordResult(ctx context.Context, r ledger.Result) error
	RecordScores(ctx context.Context, runID string, scores []ledger.Score) error
}

// Options configures a Driver.
type Options struct {
	Seeds []int64

	// IsolateSeeds writes each seed's trees, attack metadata and detection
	// report under a seed_<k> subdirectory.
	IsolateSeeds bool

	// Attack and Detect are the per-seed stage options. Attack.OutputDir is
	// the tree the detector scores.
	Attack attack.Options
	Detect detect.Options

	// ResultsDir is the artifact key prefix of the results document.
	ResultsDir string
}

// Driver runs the multi-seed experiment.
type Driver struct {
	store    artifact.Store
	scorer   *detect.Scorer
	opts     Options
	recorder Recorder
	log      *logging.Logger
	metrics  *metrics.Pipeline
}

// New creates a Driver. rec and m may be nil.
func New(store artifact.Store, scorer *detect.Scorer, opts Options, rec Recorder, log *logging.Logger, m *metrics.Pipeline) *Driver {
	return &Driver{
		store:    store,
		scorer:   scorer,
		opts:     opts,
		recorder: rec,
		log:      log,
		metrics:  m,
	}
}

// Run synthesizes and scores clients once per seed, in order, then writes
// the results document.
func (d *Driver) Run(ctx context.Context, clients []federated.Client) (*Outcome, error) {
	if len(d.opts.Seeds) == 0 {
		return nil, faults.Configf("no seeds configured")
	}
	seen := make(map[int64]bool, len(d.opts.Seeds))
	for _, seed := range d.opts.Seeds {
		if seen[seed] {
			return nil, faults.Configf("duplicate seed %d", seed)
		}
		seen[seed] = true
	}

	log := d.log.WithComponent("experiment")
	log.Info("experiment started", "seeds", d.opts.Seeds, "clients", len(clients), "isolate_seeds", d.opts.IsolateSeeds)

	out := &Outcome{Results: make([]SeedResult, 0, len(d.opts.Seeds))}
	for _, seed := range d.opts.Seeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := d.runSeed(ctx, clients, seed)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", seed, err)
		}
		out.Results = append(out.Results, *res)
	}

	data, err := schema.Marshal(schema.MultiseedResults, out.Results)
	if err != nil {
		return nil, err
	}
	if err := d.store.Store(ctx, artifact.Key(d.opts.ResultsDir, ResultsFile), data); err != nil {
		return nil, fmt.Errorf("persist results: %w", err)
	}

	out.Summary = Summarize(out.Results)
	log.Info("experiment finished",
		"seeds", out.Summary.Seeds,
		"mean_roc_auc", out.Summary.MeanROCAUC,
		"std_roc_auc", out.Summary.StdROCAUC,
		"mean_tpr_1pct", out.Summary.MeanTPRAt1Pct,
		"std_tpr_1pct", out.Summary.StdTPRAt1Pct)
	return out, nil
}

func (d *Driver) runSeed(ctx context.Context, clients []federated.Client, seed int64) (res *SeedResult, err error) {
	start := time.Now()

	runID, err := d.beginRun(ctx, seed)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithRunID(ctx, runID)
	log := d.log.WithComponent("experiment").WithRunID(runID).WithSeed(seed)

	defer func() {
		d.metrics.ObserveStage(Stage, time.Since(start), err)
		if d.recorder == nil {
			return
		}
		// An interrupted seed must still leave a finished run behind.
		if ferr := d.recorder.FinishRun(context.WithoutCancel(ctx), runID, err); ferr != nil && err == nil {
			err = ferr
		}
	}()

	attackOpts, detectOpts := d.seedOptions(seed)

	meta, err := attack.New(d.store, attackOpts, d.log, d.metrics).Run(ctx, clients, seed)
	if err != nil {
		return nil, err
	}

	report, samples, err := detect.NewDetector(d.store, d.scorer, detectOpts, d.log, d.metrics).Run(ctx, attackOpts.OutputDir)
	if err != nil {
		return nil, err
	}

	res = &SeedResult{
		Seed:                seed,
		NumAttackIdentities: meta.NumAttackIdentities(),
		ROCAUC:              report.ROCAUC,
		TPRAt1Pct:           report.TPRAt1Pct,
		TPRAt01Pct:          report.TPRAt01Pct,
	}
	d.metrics.ObserveResult(seed, res.ROCAUC, res.TPRAt1Pct, res.TPRAt01Pct)

	if d.recorder != nil {
		if err := d.recorder.RecordResult(ctx, ledger.Result{
			RunID:               runID,
			Seed:                seed,
			NumAttackIdentities: res.NumAttackIdentities,
			ROCAUC:              res.ROCAUC,
			TPRAt1Pct:           res.TPRAt1Pct,
			TPRAt01Pct:          res.TPRAt01Pct,
		}); err != nil {
			return nil, err
		}
		if err := d.recorder.RecordScores(ctx, runID, scoreRecords(samples)); err != nil {
			return nil, err
		}
	}

	log.Info("seed evaluated",
		"num_attack_identities", res.NumAttackIdentities,
		"roc_auc", res.ROCAUC,
		"tpr_1pct", res.TPRAt1Pct,
		"tpr_0.1pct", res.TPRAt01Pct,
		"elapsed", time.Since(start))
	return res, nil
}

func (d *Driver) beginRun(ctx context.Context, seed int64) (string, error) {
	if d.recorder == nil {
		return d.log.NewRunID(), nil
	}
	return d.recorder.BeginRun(ctx, Stage, &seed)
}

// seedOptions returns the stage options of one seed.
func (d *Driver) seedOptions(seed int64) (attack.Options, detect.Options) {
	a, det := d.opts.Attack, d.opts.Detect
	if !d.opts.IsolateSeeds {
		return a, det
	}
	sub := SeedDir(seed)
	a.OutputDir = filepath.Join(a.OutputDir, sub)
	a.MetaKey = path.Join(path.Dir(a.MetaKey), sub, path.Base(a.MetaKey))
	det.ResultsDir = artifact.Key(det.ResultsDir, sub)
	return a, det
}

// SeedDir is the subdirectory of an isolated seed.
func SeedDir(seed int64) string {
	return fmt.Sprintf("seed_%d", seed)
}

// Summarize returns the mean and population standard deviation of the
// ROC-AUC and TPR@1% over results.
func Summarize(results []SeedResult) Summary {
	s := Summary{Seeds: len(results)}
	if len(results) == 0 {
		return s
	}
	auc := make([]float64, len(results))
	tpr := make([]float64, len(results))
	for i, r := range results {
		auc[i] = r.ROCAUC
		tpr[i] = r.TPRAt1Pct
	}
	s.MeanROCAUC, s.StdROCAUC = stat.PopMeanStdDev(auc, nil)
	s.MeanTPRAt1Pct, s.StdTPRAt1Pct = stat.PopMeanStdDev(tpr, nil)
	return s
}

func scoreRecords(samples []detect.Sample) []ledger.Score {
	out := make([]ledger.Score, len(samples))
	for i, s := range samples {
		out[i] = ledger.Score{
			Client:   s.Client,
			Identity: s.Identity,
			Label:    s.Label,
			Score:    s.Score,
		}
	}
	return out
}

// LoadResults reads and validates a persisted results document.
func LoadResults(ctx context.Context, store artifact.Store, dir string) ([]SeedResult, error) {
	data, err := store.Load(ctx, artifact.Key(dir, ResultsFile))
	if err != nil {
		return nil, err
	}
	var results []SeedResult
	if err := schema.Unmarshal(schema.MultiseedResults, data, &results); err != nil {
		return nil, err
	}
	return results, nil
}
