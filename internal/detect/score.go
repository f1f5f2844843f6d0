// Package detect scores identity folders by embedding consistency and
// evaluates the scores against the normal/attack labels of the folder tree.
package detect

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"fedpoison/internal/faults"
	"fedpoison/internal/logging"
)

// ScoreMode aggregates the per-image cosine distances of one identity.
type ScoreMode string

const (
	ScoreMax  ScoreMode = "max"
	ScoreMean ScoreMode = "mean"
)

// ParseScoreMode validates a configured score mode.
func ParseScoreMode(s string) (ScoreMode, error) {
	switch ScoreMode(s) {
	case ScoreMax, ScoreMean:
		return ScoreMode(s), nil
	default:
		return "", faults.Configf("unknown score mode %q", s)
	}
}

// DefaultExtensions are the file extensions treated as images.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Scorer computes the anomaly score of one identity folder.
type Scorer struct {
	embedder      Embedder
	mode          ScoreMode
	extensions    []string
	minEmbeddings int
	log           *logging.Logger
}

// NewScorer creates a Scorer. Empty extensions select DefaultExtensions and
// minEmbeddings below 2 is raised to 2.
func NewScorer(e Embedder, mode ScoreMode, extensions []string, minEmbeddings int, log *logging.Logger) *Scorer {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if minEmbeddings < 2 {
		minEmbeddings = 2
	}
	return &Scorer{
		embedder:      e,
		mode:          mode,
		extensions:    extensions,
		minEmbeddings: minEmbeddings,
		log:           log,
	}
}

// Mode returns the aggregation mode.
func (s *Scorer) Mode() ScoreMode {
	return s.mode
}

func (s *Scorer) isImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range s.extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// ScoreIdentity embeds every image in dir and returns the maximum or mean
// cosine distance of the embeddings from their normalized centroid. ok is
// false when fewer than the minimum number of images could be embedded;
// such identities are excluded, not scored as zero. Images that fail to
// embed are skipped.
func (s *Scorer) ScoreIdentity(ctx context.Context, dir string) (score float64, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, err
	}

	var imgs []string
	for _, e := range entries {
		if e.Type().IsRegular() && s.isImage(e.Name()) {
			imgs = append(imgs, filepath.Join(dir, e.Name()))
		}
	}
	if len(imgs) < s.minEmbeddings {
		return 0, false, nil
	}

	var embeddings [][]float64
	for _, img := range imgs {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		v, err := s.embedder.Embed(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false, ctx.Err()
			}
			s.log.Debug("image not embedded", "image", img, "error", err)
			continue
		}
		if len(embeddings) > 0 && len(v) != len(embeddings[0]) {
			s.log.Warn("embedding dimension mismatch", "image", img, "dim", len(v), "want", len(embeddings[0]))
			continue
		}
		embeddings = append(embeddings, v)
	}
	if len(embeddings) < s.minEmbeddings {
		return 0, false, nil
	}

	score, ok = Aggregate(embeddings, s.mode)
	return score, ok, nil
}

// Aggregate returns the max or mean of 1 - e·c over the embeddings, where c
// is their normalized mean. ok is false if the mean has zero norm.
func Aggregate(embeddings [][]float64, mode ScoreMode) (float64, bool) {
	center := make([]float64, len(embeddings[0]))
	for _, e := range embeddings {
		floats.Add(center, e)
	}
	floats.Scale(1/float64(len(embeddings)), center)
	if err := normalize(center); err != nil {
		return 0, false
	}

	dist := make([]float64, len(embeddings))
	for i, e := range embeddings {
		dist[i] = 1 - floats.Dot(e, center)
	}

	if mode == ScoreMean {
		return floats.Sum(dist) / float64(len(dist)), true
	}
	return floats.Max(dist), true
}
