package detect

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"fedpoison/internal/faults"
)

// Target false positive rates of the reported TPR metrics.
const (
	FPR1Pct  = 0.01
	FPR01Pct = 0.001
)

// ROCPoint is one point of the ROC curve. Threshold is nil for the
// infinite threshold at the origin.
type ROCPoint struct {
	FPR       float64  `json:"fpr"`
	TPR       float64  `json:"tpr"`
	Threshold *float64 `json:"threshold"`
}

// Report is the evaluation of one scored collection.
type Report struct {
	ScoreMode     ScoreMode  `json:"score_mode"`
	TotalSamples  int        `json:"total_samples"`
	AttackSamples int        `json:"attack_samples"`
	NormalSamples int        `json:"normal_samples"`
	Excluded      int        `json:"excluded_samples"`
	ROCAUC        float64    `json:"roc_auc"`
	TPRAt1Pct     float64    `json:"tpr_1pct"`
	TPRAt01Pct    float64    `json:"tpr_0.1pct"`
	ROC           []ROCPoint `json:"roc"`
}

// Evaluate computes the ROC curve of the samples, with attack as the
// positive class, its trapezoidal AUC and the TPR at 1% and 0.1% FPR.
// A sample set holding a single class is an undefined-metric error.
func Evaluate(samples []Sample) (*Report, error) {
	n := len(samples)
	y := make([]float64, n)
	classes := make([]bool, n)
	r := &Report{TotalSamples: n}
	for i, s := range samples {
		y[i] = s.Score
		classes[i] = s.Label == LabelAttack
		if classes[i] {
			r.AttackSamples++
		} else {
			r.NormalSamples++
		}
	}
	if r.AttackSamples == 0 || r.NormalSamples == 0 {
		return nil, fmt.Errorf("%w: ROC needs both classes, got %d normal and %d attack samples",
			faults.ErrUndefinedMetric, r.NormalSamples, r.AttackSamples)
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)

	r.ROC = make([]ROCPoint, len(tpr))
	for i := range tpr {
		r.ROC[i] = ROCPoint{FPR: fpr[i], TPR: tpr[i]}
		if !math.IsInf(thresh[i], 0) {
			t := thresh[i]
			r.ROC[i].Threshold = &t
		}
	}
	r.ROCAUC = integrate.Trapezoidal(fpr, tpr)
	r.TPRAt1Pct = TPRAtFPR(fpr, tpr, FPR1Pct)
	r.TPRAt01Pct = TPRAtFPR(fpr, tpr, FPR01Pct)
	return r, nil
}

// TPRAtFPR returns the TPR of the last ROC point whose FPR does not exceed
// target, or 0 if there is none. fpr must be non-decreasing.
func TPRAtFPR(fpr, tpr []float64, target float64) float64 {
	out := 0.0
	for i, f := range fpr {
		if f > target {
			break
		}
		out = tpr[i]
	}
	return out
}

// Histogram is the binned distribution of one class's scores.
type Histogram struct {
	Edges   []float64 `json:"edges"`
	Counts  []float64 `json:"counts"`
	Density []float64 `json:"density"`
}

// Distribution holds the per-class score histograms.
type Distribution struct {
	ScoreMode ScoreMode  `json:"score_mode"`
	Bins      int        `json:"bins"`
	Normal    *Histogram `json:"normal"`
	Attack    *Histogram `json:"attack"`
}

// Distribute bins the normal and attack scores separately, each over its
// own range, with densities that integrate to one.
func Distribute(samples []Sample, bins int, mode ScoreMode) *Distribution {
	var normal, attack []float64
	for _, s := range samples {
		if s.Label == LabelAttack {
			attack = append(attack, s.Score)
		} else {
			normal = append(normal, s.Score)
		}
	}
	return &Distribution{
		ScoreMode: mode,
		Bins:      bins,
		Normal:    histogram(normal, bins),
		Attack:    histogram(attack, bins),
	}
}

func histogram(x []float64, bins int) *Histogram {
	if len(x) == 0 || bins < 1 {
		return nil
	}
	x = append([]float64(nil), x...)
	sort.Float64s(x)

	lo, hi := x[0], x[len(x)-1]
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	edges := floats.Span(make([]float64, bins+1), lo, hi)

	// stat.Histogram needs the last divider strictly above the maximum.
	dividers := append([]float64(nil), edges...)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, x, nil)

	width := (hi - lo) / float64(bins)
	density := make([]float64, bins)
	for i, c := range counts {
		density[i] = c / (float64(len(x)) * width)
	}
	return &Histogram{Edges: edges, Counts: counts, Density: density}
}
