package experiment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedpoison/internal/artifact"
	"fedpoison/internal/attack"
	"fedpoison/internal/detect"
	"fedpoison/internal/faults"
	"fedpoison/internal/federated"
	"fedpoison/internal/ledger"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
)

type runEntry struct {
	stage string
	seed  int64
	err   error
	done  bool
}

type memRecorder struct {
	runs      map[string]*runEntry
	order     []string
	results   []ledger.Result
	scores    map[string][]ledger.Score
	failAfter int
}

func newMemRecorder() *memRecorder {
	return &memRecorder{runs: make(map[string]*runEntry), scores: make(map[string][]ledger.Score), failAfter: -1}
}

func (m *memRecorder) BeginRun(ctx context.Context, stage string, seed *int64) (string, error) {
	id := fmt.Sprintf("run-%d", len(m.order))
	m.runs[id] = &runEntry{stage: stage, seed: *seed}
	m.order = append(m.order, id)
	return id, nil
}

func (m *memRecorder) FinishRun(ctx context.Context, id string, runErr error) error {
	r, ok := m.runs[id]
	if !ok {
		return ledger.ErrRunNotFound
	}
	r.done, r.err = true, runErr
	return nil
}

func (m *memRecorder) RecordResult(ctx context.Context, r ledger.Result) error {
	if m.failAfter >= 0 && len(m.results) >= m.failAfter {
		return errors.New("ledger unavailable")
	}
	m.results = append(m.results, r)
	return nil
}

func (m *memRecorder) RecordScores(ctx context.Context, runID string, scores []ledger.Score) error {
	m.scores[runID] = scores
	return nil
}

type fixture struct {
	identities string
	output     string
	store      *artifact.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		identities: filepath.Join(root, "celeba_identities"),
		output:     filepath.Join(root, "attack_dataset"),
		store:      artifact.NewMemStore(),
	}
}

// addIdentity writes n images of one per-identity pattern. The images
// differ only by a brightness offset, so they embed identically.
func (f *fixture) addIdentity(t *testing.T, idx, n int) string {
	t.Helper()
	id := fmt.Sprintf("%d", 1000+idx)
	dir := filepath.Join(f.identities, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	a, b := 3+idx%7, 5+idx/7
	for j := 0; j < n; j++ {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8((x*a*x+y*b)%200 + j)})
			}
		}
		out, err := os.Create(filepath.Join(dir, fmt.Sprintf("%06d.png", j+1)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(out, img))
		require.NoError(t, out.Close())
	}
	return id
}

func (f *fixture) clients(t *testing.T, n, size, images int) []federated.Client {
	t.Helper()
	clients := make([]federated.Client, n)
	idx := 0
	for cid := range clients {
		clients[cid].File = federated.ClientFile(cid)
		for j := 0; j < size; j++ {
			clients[cid].IDs = append(clients[cid].IDs, f.addIdentity(t, idx, images))
			idx++
		}
	}
	return clients
}

func (f *fixture) options(seeds ...int64) Options {
	return Options{
		Seeds: seeds,
		Attack: attack.Options{
			IdentitiesDir:      f.identities,
			OutputDir:          f.output,
			MetaKey:            "attack_dataset/" + attack.MetaFile,
			Fraction:           0.25,
			ImagesPerIdentity:  3,
			AttackIDsPerClient: 3,
			DonorsPerAttack:    2,
			MinValidIdentities: 3,
		},
		Detect:     detect.Options{ResultsDir: "results", HistogramBins: 10},
		ResultsDir: "results",
	}
}

func (f *fixture) driver(opts Options, rec Recorder) *Driver {
	scorer := detect.NewScorer(detect.NewPixelEmbedder(16), detect.ScoreMax, nil, 2, logging.Nop())
	return New(f.store, scorer, opts, rec, logging.Nop(), metrics.New())
}

func TestRunRecordsEverySeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)
	rec := newMemRecorder()

	out, err := f.driver(f.options(0, 1), rec).Run(ctx, clients)
	require.NoError(t, err)

	require.Len(t, out.Results, 2)
	for i, r := range out.Results {
		assert.Equal(t, int64(i), r.Seed)
		assert.Equal(t, 3, r.NumAttackIdentities)
		assert.Greater(t, r.ROCAUC, 0.9)
		assert.GreaterOrEqual(t, r.TPRAt1Pct, r.TPRAt01Pct)
	}
	assert.Equal(t, 2, out.Summary.Seeds)

	persisted, err := LoadResults(ctx, f.store, "results")
	require.NoError(t, err)
	assert.Equal(t, out.Results, persisted)

	require.Len(t, rec.order, 2)
	require.Len(t, rec.results, 2)
	for i, id := range rec.order {
		run := rec.runs[id]
		assert.Equal(t, Stage, run.stage)
		assert.True(t, run.done)
		assert.NoError(t, run.err)
		assert.Equal(t, id, rec.results[i].RunID)
		assert.NotEmpty(t, rec.scores[id])
	}
}

func TestRunReproducible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)

	first, err := f.driver(f.options(7), nil).Run(ctx, clients)
	require.NoError(t, err)
	second, err := f.driver(f.options(7), nil).Run(ctx, clients)
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
}

func TestRunIsolatesSeeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)

	opts := f.options(0, 1)
	opts.IsolateSeeds = true
	_, err := f.driver(opts, nil).Run(ctx, clients)
	require.NoError(t, err)

	for _, seed := range []int64{0, 1} {
		sub := SeedDir(seed)
		for _, tree := range []string{attack.NormalTree, attack.AttackTree} {
			info, err := os.Stat(filepath.Join(f.output, sub, tree))
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		}
		for _, key := range []string{
			"attack_dataset/" + sub + "/" + attack.MetaFile,
			"results/" + sub + "/" + detect.ReportFile,
		} {
			ok, err := f.store.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok, key)
		}
	}

	ok, err := f.store.Exists(ctx, "results/"+ResultsFile)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)

	rec := newMemRecorder()
	rec.failAfter = 1
	_, err := f.driver(f.options(0, 1, 2), rec).Run(ctx, clients)
	require.Error(t, err)

	// The third seed never started.
	require.Len(t, rec.order, 2)
	assert.NoError(t, rec.runs[rec.order[0]].err)
	assert.Error(t, rec.runs[rec.order[1]].err)

	ok, err := f.store.Exists(ctx, "results/"+ResultsFile)
	require.NoError(t, err)
	assert.False(t, ok, "no partial results document")
}

func TestRunUndefinedMetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// One image per identity: every identity is excluded from scoring.
	clients := f.clients(t, 4, 4, 1)

	opts := f.options(0)
	opts.Attack.ImagesPerIdentity = 1
	rec := newMemRecorder()
	_, err := f.driver(opts, rec).Run(ctx, clients)
	assert.True(t, errors.Is(err, faults.ErrUndefinedMetric), "got %v", err)
	assert.True(t, errors.Is(rec.runs[rec.order[0]].err, faults.ErrUndefinedMetric))
}

func TestRunRejectsBadSeeds(t *testing.T) {
	f := newFixture(t)

	_, err := f.driver(f.options(), nil).Run(context.Background(), nil)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))

	_, err = f.driver(f.options(1, 2, 1), nil).Run(context.Background(), nil)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]SeedResult{
		{ROCAUC: 0.8, TPRAt1Pct: 0.5},
		{ROCAUC: 1.0, TPRAt1Pct: 0.5},
	})
	assert.Equal(t, 2, s.Seeds)
	assert.InDelta(t, 0.9, s.MeanROCAUC, 1e-12)
	assert.InDelta(t, 0.1, s.StdROCAUC, 1e-12)
	assert.InDelta(t, 0.5, s.MeanTPRAt1Pct, 1e-12)
	assert.InDelta(t, 0, s.StdTPRAt1Pct, 1e-12)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestRunWithLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	store := artifact.NewTracked(f.store, l, logging.Nop())
	scorer := detect.NewScorer(detect.NewPixelEmbedder(16), detect.ScoreMean, nil, 2, logging.Nop())
	_, err = New(store, scorer, f.options(3, 4), l, logging.Nop(), nil).Run(ctx, clients)
	require.NoError(t, err)

	results, err := l.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3), results[0].Seed)

	for _, r := range results {
		run, err := l.GetRun(ctx, r.RunID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusOK, run.Status)

		scores, err := l.Scores(ctx, r.RunID)
		require.NoError(t, err)
		assert.NotEmpty(t, scores)
	}

	history, err := l.ArtifactHistory(ctx, "results/"+detect.ReportFile)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.NotEqual(t, history[0].RunID, history[1].RunID)
}

// interruptingLedger cancels the run while the scores are being recorded.
type interruptingLedger struct {
	*ledger.Ledger
	cancel context.CancelFunc
}

func (l interruptingLedger) RecordScores(ctx context.Context, runID string, scores []ledger.Score) error {
	l.cancel()
	return ctx.Err()
}

func TestRunInterruptedStillFinishesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	clients := f.clients(t, 4, 8, 4)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	rec := interruptingLedger{Ledger: l, cancel: cancel}
	_, err = f.driver(f.options(0, 1), rec).Run(ctx, clients)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	runs, err := l.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Detail, "context canceled")
	assert.NotNil(t, runs[0].FinishedAt)
}
