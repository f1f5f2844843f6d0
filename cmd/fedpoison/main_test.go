package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fedpoison/internal/config"
	"fedpoison/internal/faults"
	"fedpoison/internal/ledger"
)

// writeCeleba creates a CelebA-shaped distribution of persons people with
// images images each. Each person's images share one pattern.
func writeCeleba(t *testing.T, root string, persons, images int) {
	t.Helper()
	imgDir := filepath.Join(root, "img_align_celeba", "img_align_celeba")
	if err := os.MkdirAll(imgDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	var mapping strings.Builder
	n := 0
	for pid := 1; pid <= persons; pid++ {
		a, b := 3+pid%7, 5+pid/7
		for j := 0; j < images; j++ {
			n++
			name := fmt.Sprintf("%06d.jpg", n)
			fmt.Fprintf(&mapping, "%s %d\n", name, pid)

			img := image.NewGray(image.Rect(0, 0, 16, 16))
			for y := 0; y < 16; y++ {
				for x := 0; x < 16; x++ {
					img.SetGray(x, y, color.Gray{Y: uint8((x*a*x+y*b)%200 + j)})
				}
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if err := os.WriteFile(filepath.Join(imgDir, name), buf.Bytes(), 0644); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}
	}
	if err := os.WriteFile(filepath.Join(root, "identity_CelebA.txt"), []byte(mapping.String()), 0644); err != nil {
		t.Fatalf("write mapping failed: %v", err)
	}
}

func testConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	tmp := t.TempDir()
	writeCeleba(t, filepath.Join(tmp, "Celeba"), 60, 5)

	cfg := config.DefaultConfig()
	cfg.Paths.Root = filepath.Join(tmp, "data_processed")
	cfg.Prepare.CelebaRoot = filepath.Join(tmp, "Celeba")
	cfg.Federated.ClientSettings = []int{4}
	cfg.Federated.MinIDsPerClient = 5
	cfg.Federated.MaxIDsPerClient = 8
	cfg.Attack.NumClients = 4
	cfg.Attack.AttackIDsPerClient = 3
	cfg.Detect.HistogramBins = 10
	cfg.Driver.Seeds = []int64{0, 1}
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "warn"
	cfg.Metrics.TextfilePath = filepath.Join(tmp, "fedpoison.prom")

	path := filepath.Join(tmp, "config.toml")
	if err := config.SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	return path, cfg
}

func runCmd(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), cfgPath, args, &out); err != nil {
		t.Fatalf("%s failed: %v\n%s", args[0], err, out.String())
	}
	return out.String()
}

func TestPipelineEndToEnd(t *testing.T) {
	cfgPath, cfg := testConfig(t)
	root := cfg.Paths.Root

	out := runCmd(t, cfgPath, "prepare")
	if !strings.Contains(out, "Prepared 60 identities") {
		t.Errorf("unexpected prepare output: %q", out)
	}

	out = runCmd(t, cfgPath, "run")
	for _, want := range []string{"Created split: 42 train, 9 val, 9 test", "into 4 clients", "ROC-AUC:"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}

	for _, rel := range []string{
		"celeba_identities/preprocess_meta.json",
		"splits/train_ids.txt",
		"splits/split_meta.json",
		"federated/clients_4/client_00.txt",
		"federated/clients_4/federated_meta.json",
		"attack_dataset/attack_metadata.json",
		"attack_dataset/NormalPairs",
		"attack_dataset/AttackPairs",
		"results/detection_report.json",
		"results/score_distribution.json",
		"results/multiseed_results.json",
		"ledger.db",
	} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(cfg.Metrics.TextfilePath); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}

	// The persisted split is authoritative on later runs.
	out = runCmd(t, cfgPath, "split")
	if !strings.Contains(out, "Loaded split") {
		t.Errorf("expected split to be loaded, got %q", out)
	}

	runCmd(t, cfgPath, "synthesize", "-seed", "9")
	out = runCmd(t, cfgPath, "score")
	if !strings.Contains(out, "ROC-AUC (max)") {
		t.Errorf("unexpected score output: %q", out)
	}

	l, err := ledger.Open(filepath.Join(root, "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	runs, err := l.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	stages := make(map[string]int)
	for _, r := range runs {
		if r.Status != ledger.StatusOK {
			t.Errorf("run %s (%s) status %s: %s", r.ID, r.Stage, r.Status, r.Detail)
		}
		stages[r.Stage]++
	}
	want := map[string]int{"prepare": 1, "split": 2, "partition": 1, "experiment": 2, "synthesize": 1, "score": 1}
	for stage, n := range want {
		if stages[stage] != n {
			t.Errorf("stage %s: got %d runs, want %d", stage, stages[stage], n)
		}
	}

	results, err := l.Results(context.Background())
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestPartitionWithoutSplit(t *testing.T) {
	cfgPath, _ := testConfig(t)
	runCmd(t, cfgPath, "prepare")

	err := run(context.Background(), cfgPath, []string{"partition"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected partition to fail without a split")
	}
}

func TestUnknownCommand(t *testing.T) {
	err := run(context.Background(), "", []string{"frobnicate"}, &bytes.Buffer{})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if code := exitCode(err); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestInvalidConfigAbortsBeforeMutation(t *testing.T) {
	cfgPath, cfg := testConfig(t)
	cfg.Split.TrainRatio = 0.9
	if err := config.SaveConfig(cfg, cfgPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	err := run(context.Background(), cfgPath, []string{"split"}, &bytes.Buffer{})
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := os.Stat(cfg.Paths.Root); !os.IsNotExist(err) {
		t.Errorf("data root was created: %v", err)
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{faults.ErrLeakage, 3},
		{faults.ErrUndefinedMetric, 4},
		{errors.New("disk full"), 1},
		{faults.ErrMissingSource, 2},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.code {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fedpoison.toml")

	out := runCmd(t, path, "init")
	if !strings.Contains(out, "Wrote default configuration") {
		t.Errorf("unexpected output: %q", out)
	}
	out = runCmd(t, path, "init")
	if !strings.Contains(out, "already exists") {
		t.Errorf("unexpected output: %q", out)
	}
}
