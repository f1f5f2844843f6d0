package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fedpoison/internal/artifact"
	"fedpoison/internal/logging"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenAppliesMigrations(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	status, err := l.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current version %d, want %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		l, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		l.Close()
	}
}

func TestRollbackMigration(t *testing.T) {
	l := openTestLedger(t)

	if err := RollbackMigration(l.db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(l.db); err == nil {
		t.Error("expected missing scores table after rollback")
	}

	if err := MigrateDB(l.db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(l.db); err != nil {
		t.Errorf("schema invalid after re-migration: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	seed := int64(7)
	okID, err := l.BeginRun(ctx, "experiment", &seed)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	failID, err := l.BeginRun(ctx, "split", nil)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	run, err := l.GetRun(ctx, okID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != StatusRunning || run.FinishedAt != nil {
		t.Errorf("new run should be running, got %+v", run)
	}

	if err := l.FinishRun(ctx, okID, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := l.FinishRun(ctx, failID, errors.New("no images")); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, _ = l.GetRun(ctx, okID)
	if run.Status != StatusOK || run.FinishedAt == nil {
		t.Errorf("expected finished ok run, got %+v", run)
	}
	if run.Seed == nil || *run.Seed != 7 {
		t.Errorf("seed not stored: %+v", run.Seed)
	}

	run, _ = l.GetRun(ctx, failID)
	if run.Status != StatusFailed || run.Detail != "no images" {
		t.Errorf("expected failed run with detail, got %+v", run)
	}
	if run.Seed != nil {
		t.Errorf("expected nil seed, got %d", *run.Seed)
	}

	runs, err := l.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != failID {
		t.Errorf("expected newest run first")
	}

	runs, _ = l.Runs(ctx, 1)
	if len(runs) != 1 {
		t.Errorf("limit ignored: got %d runs", len(runs))
	}
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	if err := l.FinishRun(ctx, "missing", nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishRun: expected ErrRunNotFound, got %v", err)
	}
	if _, err := l.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun: expected ErrRunNotFound, got %v", err)
	}
	if _, err := l.Scores(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Scores: expected ErrRunNotFound, got %v", err)
	}
}

func TestArtifactVersions(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	for i, data := range []string{"a", "b", "c"} {
		v, err := l.RecordArtifact(ctx, artifact.Record{
			Key:    "splits/train_ids.txt",
			Digest: artifact.Digest([]byte(data)),
			Size:   1,
			RunID:  "run-1",
		})
		if err != nil {
			t.Fatalf("RecordArtifact failed: %v", err)
		}
		if v != i+1 {
			t.Errorf("version = %d, want %d", v, i+1)
		}
	}
	if _, err := l.RecordArtifact(ctx, artifact.Record{Key: "splits/val_ids.txt", Digest: "d", Size: 2}); err != nil {
		t.Fatalf("RecordArtifact failed: %v", err)
	}

	history, err := l.ArtifactHistory(ctx, "splits/train_ids.txt")
	if err != nil {
		t.Fatalf("ArtifactHistory failed: %v", err)
	}
	if len(history) != 3 || history[2].Digest != artifact.Digest([]byte("c")) {
		t.Errorf("unexpected history: %+v", history)
	}

	latest, err := l.LatestArtifacts(ctx)
	if err != nil {
		t.Fatalf("LatestArtifacts failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(latest))
	}
	if latest[0].Key != "splits/train_ids.txt" || latest[0].Version != 3 || latest[0].RunID != "run-1" {
		t.Errorf("unexpected latest train entry: %+v", latest[0])
	}
	if latest[1].RunID != "" {
		t.Errorf("expected empty run id, got %q", latest[1].RunID)
	}
}

func TestTrackedStoreUsesLedger(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	s := artifact.NewTracked(artifact.NewMemStore(), l, logging.Nop())

	if err := s.Store(ctx, "attack/attack_metadata.json", []byte("{}")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	history, err := l.ArtifactHistory(ctx, "attack/attack_metadata.json")
	if err != nil {
		t.Fatalf("ArtifactHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Size != 2 {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestResultsAndScores(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	var ids []string
	for _, seed := range []int64{2, 1} {
		s := seed
		id, err := l.BeginRun(ctx, "experiment", &s)
		if err != nil {
			t.Fatalf("BeginRun failed: %v", err)
		}
		ids = append(ids, id)
		if err := l.RecordResult(ctx, Result{
			RunID:               id,
			Seed:                seed,
			NumAttackIdentities: 10,
			ROCAUC:              0.5 + float64(seed)/10,
			TPRAt1Pct:           0.1,
			TPRAt01Pct:          0.05,
		}); err != nil {
			t.Fatalf("RecordResult failed: %v", err)
		}
	}

	results, err := l.Results(ctx)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(results) != 2 || results[0].Seed != 1 || results[1].ROCAUC != 0.7 {
		t.Errorf("unexpected results: %+v", results)
	}

	if err := l.RecordResult(ctx, Result{RunID: "no-such-run", Seed: 3}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}

	want := []Score{
		{Client: "client_00", Identity: "id_000001", Label: 0, Score: 0.25},
		{Client: "client_03", Identity: "malicious_id_000002", Label: 1, Score: 0.9},
	}
	if err := l.RecordScores(ctx, ids[0], want); err != nil {
		t.Fatalf("RecordScores failed: %v", err)
	}
	got, err := l.Scores(ctx, ids[0])
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d scores, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("score %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
