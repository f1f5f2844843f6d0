// Package ledger records pipeline runs, artifact versions and detection
// results in a local SQLite database.
package ledger

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusOK      RunStatus = "ok"
	StatusFailed  RunStatus = "failed"
)

// Run is one pipeline command or experiment seed.
type Run struct {
	ID         string
	Stage      string
	Seed       *int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Detail     string
}

// ArtifactVersion is one recorded write of an artifact key.
type ArtifactVersion struct {
	Key      string
	Version  int
	Digest   string
	Size     int64
	RunID    string
	StoredAt time.Time
}

// Result holds the detection metrics for one seed.
type Result struct {
	RunID               string  `json:"run_id"`
	Seed                int64   `json:"seed"`
	NumAttackIdentities int     `json:"num_attack_identities"`
	ROCAUC              float64 `json:"roc_auc"`
	TPRAt1Pct           float64 `json:"tpr_1pct"`
	TPRAt01Pct          float64 `json:"tpr_0.1pct"`
}

// Score is one scored identity folder.
type Score struct {
	Client   string  `json:"client"`
	Identity string  `json:"identity"`
	Label    int     `json:"label"`
	Score    float64 `json:"score"`
}
