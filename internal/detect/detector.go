package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"fedpoison/internal/artifact"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
	"fedpoison/internal/schema"
)

// Result document names.
const (
	ReportFile       = "detection_report.json"
	DistributionFile = "score_distribution.json"
)

// Options configures a Detector.
type Options struct {
	// ResultsDir is the artifact key prefix of the result documents.
	ResultsDir    string
	HistogramBins int
}

// Detector scores a synthesized sample tree and persists the evaluation.
type Detector struct {
	store   artifact.Store
	scorer  *Scorer
	opts    Options
	log     *logging.Logger
	metrics *metrics.Pipeline
}

// NewDetector creates a Detector. m may be nil.
func NewDetector(store artifact.Store, scorer *Scorer, opts Options, log *logging.Logger, m *metrics.Pipeline) *Detector {
	return &Detector{
		store:   store,
		scorer:  scorer,
		opts:    opts,
		log:     log.WithComponent("detect"),
		metrics: m,
	}
}

// Run scores the NormalPairs and AttackPairs trees under root, evaluates the
// scores and writes the report and score distribution.
func (d *Detector) Run(ctx context.Context, root string) (report *Report, samples []Sample, err error) {
	start := time.Now()
	defer func() { d.metrics.ObserveStage("detect", time.Since(start), err) }()

	c, err := d.scorer.Collect(ctx,
		filepath.Join(root, "NormalPairs"),
		filepath.Join(root, "AttackPairs"))
	if err != nil {
		return nil, nil, fmt.Errorf("collect samples: %w", err)
	}

	normal, attack := c.Counts()
	d.log.Info("samples scored",
		"total", len(c.Samples), "attack", attack, "normal", normal, "excluded", c.Excluded)
	d.metrics.ObserveScores(normal, attack, c.Excluded)

	report, err = Evaluate(c.Samples)
	if err != nil {
		return nil, nil, err
	}
	report.ScoreMode = d.scorer.Mode()
	report.Excluded = c.Excluded

	data, err := schema.Marshal(schema.DetectionReport, report)
	if err != nil {
		return nil, nil, err
	}
	if err := d.store.Store(ctx, artifact.Key(d.opts.ResultsDir, ReportFile), data); err != nil {
		return nil, nil, fmt.Errorf("persist report: %w", err)
	}

	dist := Distribute(c.Samples, d.opts.HistogramBins, d.scorer.Mode())
	distData, err := json.MarshalIndent(dist, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode distribution: %w", err)
	}
	if err := d.store.Store(ctx, artifact.Key(d.opts.ResultsDir, DistributionFile), distData); err != nil {
		return nil, nil, fmt.Errorf("persist distribution: %w", err)
	}

	d.log.Info("detection evaluated",
		"score_mode", report.ScoreMode,
		"roc_auc", report.ROCAUC,
		"tpr_1pct", report.TPRAt1Pct,
		"tpr_0.1pct", report.TPRAt01Pct)
	return report, c.Samples, nil
}
