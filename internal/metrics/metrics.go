// Package metrics provides Prometheus metrics for fedpoison pipeline stages.
//
// Features:
//   - Gauges for split sizes, client populations and attack composition
//   - Counters for requested and copied images
//   - Histograms for stage durations
//   - Textfile export for node_exporter's textfile collector
//
// All methods are safe on a nil *Pipeline, so stages can run without metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fedpoison/internal/faults"
)

const namespace = "fedpoison"

// DurationBuckets are the default stage duration buckets in seconds.
var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}

// Pipeline holds all fedpoison metrics on a private registry.
type Pipeline struct {
	registry *prometheus.Registry

	IdentitiesSplit  *prometheus.GaugeVec
	ClientsCreated   *prometheus.GaugeVec
	MaliciousClients prometheus.Gauge
	AttackTargets    prometheus.Gauge
	SkippedClients   prometheus.Gauge
	ImagesRequested  *prometheus.CounterVec
	ImagesCopied     *prometheus.CounterVec
	SamplesScored    *prometheus.GaugeVec
	SamplesExcluded  prometheus.Gauge
	ROCAUC           *prometheus.GaugeVec
	TPRAtFPR         *prometheus.GaugeVec
	StageDuration    *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec
}

// New creates and registers all pipeline metrics.
func New() *Pipeline {
	reg := prometheus.NewRegistry()

	p := &Pipeline{
		registry: reg,

		IdentitiesSplit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "split_identities",
			Help:      "Number of identities in each split subset",
		}, []string{"subset"}),
		ClientsCreated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federated_clients",
			Help:      "Number of non-empty clients per client-count setting",
		}, []string{"setting"}),
		MaliciousClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attack_malicious_clients",
			Help:      "Number of clients selected as malicious in the last synthesis",
		}),
		AttackTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attack_targets",
			Help:      "Number of attack target identities in the last synthesis",
		}),
		SkippedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attack_skipped_clients",
			Help:      "Number of clients skipped for too few valid identities in the last synthesis",
		}),
		ImagesRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attack_images_requested_total",
			Help:      "Total images selected for copying, by sample type",
		}, []string{"type"}),
		ImagesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attack_images_copied_total",
			Help:      "Total images actually copied, by sample type",
		}, []string{"type"}),
		SamplesScored: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detect_samples",
			Help:      "Number of scored identity folders in the last evaluation, by label",
		}, []string{"label"}),
		SamplesExcluded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detect_excluded_samples",
			Help:      "Number of identity folders excluded for too few embeddings in the last evaluation",
		}),
		ROCAUC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detect_roc_auc",
			Help:      "ROC-AUC of the detector, by seed",
		}, []string{"seed"}),
		TPRAtFPR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detect_tpr",
			Help:      "True positive rate at a fixed false positive rate, by seed",
		}, []string{"seed", "fpr"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   DurationBuckets,
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Total failed pipeline stages, by stage and error class",
		}, []string{"stage", "class"}),
	}

	reg.MustRegister(
		p.IdentitiesSplit,
		p.ClientsCreated,
		p.MaliciousClients,
		p.AttackTargets,
		p.SkippedClients,
		p.ImagesRequested,
		p.ImagesCopied,
		p.SamplesScored,
		p.SamplesExcluded,
		p.ROCAUC,
		p.TPRAtFPR,
		p.StageDuration,
		p.StageErrors,
	)

	return p
}

// Registry returns the private registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// WriteTextfile writes all metrics in the text exposition format to path.
func (p *Pipeline) WriteTextfile(path string) error {
	if p == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObserveSplit records the split subset sizes.
func (p *Pipeline) ObserveSplit(train, val, test int) {
	if p == nil {
		return
	}
	p.IdentitiesSplit.WithLabelValues("train").Set(float64(train))
	p.IdentitiesSplit.WithLabelValues("val").Set(float64(val))
	p.IdentitiesSplit.WithLabelValues("test").Set(float64(test))
}

// ObservePartition records the number of clients created for a setting.
func (p *Pipeline) ObservePartition(setting, clients int) {
	if p == nil {
		return
	}
	p.ClientsCreated.WithLabelValues(strconv.Itoa(setting)).Set(float64(clients))
}

// AttackSummary is the composition of one synthesized attack tree.
type AttackSummary struct {
	MaliciousClients int
	Targets          int
	Skipped          int
	NormalRequested  int
	NormalCopied     int
	AttackRequested  int
	AttackCopied     int
}

// ObserveAttack records the composition of a synthesis run.
func (p *Pipeline) ObserveAttack(s AttackSummary) {
	if p == nil {
		return
	}
	p.MaliciousClients.Set(float64(s.MaliciousClients))
	p.AttackTargets.Set(float64(s.Targets))
	p.SkippedClients.Set(float64(s.Skipped))
	p.ImagesRequested.WithLabelValues("normal").Add(float64(s.NormalRequested))
	p.ImagesRequested.WithLabelValues("attack").Add(float64(s.AttackRequested))
	p.ImagesCopied.WithLabelValues("normal").Add(float64(s.NormalCopied))
	p.ImagesCopied.WithLabelValues("attack").Add(float64(s.AttackCopied))
}

// ObserveScores records how many folders were scored per label and excluded.
func (p *Pipeline) ObserveScores(normal, attack, excluded int) {
	if p == nil {
		return
	}
	p.SamplesScored.WithLabelValues("normal").Set(float64(normal))
	p.SamplesScored.WithLabelValues("attack").Set(float64(attack))
	p.SamplesExcluded.Set(float64(excluded))
}

// ObserveResult records the detection metrics of one seed.
func (p *Pipeline) ObserveResult(seed int64, auc, tpr1, tpr01 float64) {
	if p == nil {
		return
	}
	s := strconv.FormatInt(seed, 10)
	p.ROCAUC.WithLabelValues(s).Set(auc)
	p.TPRAtFPR.WithLabelValues(s, "0.01").Set(tpr1)
	p.TPRAtFPR.WithLabelValues(s, "0.001").Set(tpr01)
}

// ObserveStage records a stage duration and, on failure, its error class.
func (p *Pipeline) ObserveStage(stage string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		p.StageErrors.WithLabelValues(stage, className(err)).Inc()
	}
}

func className(err error) string {
	switch faults.Class(err) {
	case faults.ErrConfiguration:
		return "configuration"
	case faults.ErrIntegrity:
		return "integrity"
	case faults.ErrUndefinedMetric:
		return "undefined_metric"
	case faults.ErrSkippable:
		return "skippable"
	default:
		return "other"
	}
}
