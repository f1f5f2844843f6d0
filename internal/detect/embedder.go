package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"os/exec"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"fedpoison/internal/faults"
)

// Embedder maps an image file to an L2-normalized feature vector.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float64, error)
}

// Embedder kinds.
const (
	EmbedderPixel = "pixel"
	EmbedderExec  = "exec"
)

// ErrDegenerate is returned for an embedding with zero norm.
var ErrDegenerate = fmt.Errorf("%w: degenerate embedding", faults.ErrSkippable)

// NewEmbedder returns the embedder of the given kind.
func NewEmbedder(kind string, grid int, command []string) (Embedder, error) {
	switch kind {
	case EmbedderPixel, "":
		return NewPixelEmbedder(grid), nil
	case EmbedderExec:
		if len(command) == 0 {
			return nil, faults.Configf("exec embedder requires a command")
		}
		return &ExecEmbedder{Command: command}, nil
	default:
		return nil, faults.Configf("unknown embedder %q", kind)
	}
}

// normalize scales v to unit length in place.
func normalize(v []float64) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", faults.ErrSkippable)
	}
	n := floats.Norm(v, 2)
	if n == 0 || math.IsNaN(n) {
		return ErrDegenerate
	}
	floats.Scale(1/n, v)
	return nil
}

// PixelEmbedder embeds an image as its mean-centered grayscale thumbnail.
// It stands in for a learned face model.
type PixelEmbedder struct {
	Grid int
}

// NewPixelEmbedder creates a pixel embedder with a grid x grid thumbnail.
func NewPixelEmbedder(grid int) *PixelEmbedder {
	if grid < 2 {
		grid = 16
	}
	return &PixelEmbedder{Grid: grid}
}

func (e *PixelEmbedder) Embed(ctx context.Context, path string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	thumb := image.NewGray(image.Rect(0, 0, e.Grid, e.Grid))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Src, nil)

	v := make([]float64, len(thumb.Pix))
	for i, p := range thumb.Pix {
		v[i] = float64(p) / 255
	}
	mean := floats.Sum(v) / float64(len(v))
	floats.AddConst(-mean, v)

	if err := normalize(v); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// ExecEmbedder runs an external model once per image. The image path is
// appended to Command and the process must print a JSON array of numbers.
type ExecEmbedder struct {
	Command []string
}

func (e *ExecEmbedder) Embed(ctx context.Context, path string) ([]float64, error) {
	args := append(append([]string{}, e.Command[1:]...), path)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("embedder exited %d: %s", exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("run embedder: %w", err)
	}

	var v []float64
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("decode embedder output: %w", err)
	}
	if err := normalize(v); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
