package main

import (
	"context"
	"fmt"
	"os"

	"fedpoison/internal/artifact"
	"fedpoison/internal/attack"
	"fedpoison/internal/config"
	"fedpoison/internal/detect"
	"fedpoison/internal/ledger"
	"fedpoison/internal/logging"
	"fedpoison/internal/metrics"
)

// env holds everything a pipeline command needs. It owns the data root lock
// for its lifetime.
type env struct {
	cfg     *config.Config
	loader  *config.Loader
	log     *logging.Logger
	ledger  *ledger.Ledger
	store   artifact.Store
	metrics *metrics.Pipeline
	unlock  func() error
}

func openEnv(ctx context.Context, cfgPath string) (*env, error) {
	loader := config.NewLoader(cfgPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, loader: loader, log: log}

	unlock, err := artifact.Lock(cfg.Paths.Root)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.unlock = unlock

	e.ledger, err = ledger.Open(cfg.LedgerFile())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	base, err := openStore(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = artifact.NewTracked(base, e.ledger, log)

	if cfg.Metrics.Enabled {
		e.metrics = metrics.New()
	}
	return e, nil
}

// Close writes the metrics textfile and releases the ledger, the lock and
// the log files.
func (e *env) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if e.metrics != nil {
		path := e.cfg.MetricsFile()
		if err := e.metrics.WriteTextfile(path); err != nil {
			e.log.Warn("metrics not written", "path", path, "error", err)
		}
	}
	if e.ledger != nil {
		keep(e.ledger.Close())
	}
	if e.unlock != nil {
		keep(e.unlock())
	}
	keep(e.loader.Close())
	keep(e.log.Close())
	return first
}

// watchConfig logs edits made to the config file while a long command runs.
// The running command keeps the configuration it started with.
func (e *env) watchConfig() {
	if _, err := os.Stat(e.loader.Path()); err != nil {
		return
	}
	if err := e.loader.Watch(); err != nil {
		e.log.Debug("config not watched", "error", err)
		return
	}
	e.loader.OnChange(func(*config.Config) {
		e.log.Warn("config file changed; the change applies to the next command", "path", e.loader.Path())
	})
}

// stage runs fn as one ledger run.
func (e *env) stage(ctx context.Context, name string, seed *int64, fn func(ctx context.Context) error) error {
	runID, err := e.ledger.BeginRun(ctx, name, seed)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithRunID(ctx, runID)

	runErr := fn(ctx)
	if err := e.ledger.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress

	log, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

func openStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		s3 := cfg.Storage.S3
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			Prefix:          s3.Prefix,
			UsePathStyle:    s3.UsePathStyle,
		})
	default:
		return artifact.NewFileStore(cfg.Paths.Root)
	}
}

func attackOptions(cfg *config.Config) attack.Options {
	return attack.Options{
		IdentitiesDir:      cfg.IdentitiesDir(),
		OutputDir:          cfg.AttackDir(),
		MetaKey:            artifact.Key(cfg.Paths.Attack, attack.MetaFile),
		Fraction:           cfg.Attack.Fraction,
		ImagesPerIdentity:  cfg.Attack.ImagesPerIdentity,
		AttackIDsPerClient: cfg.Attack.AttackIDsPerClient,
		DonorsPerAttack:    cfg.Attack.DonorsPerAttack,
		MinValidIdentities: cfg.Attack.MinValidIdentities,
	}
}

func (e *env) scorer() (*detect.Scorer, error) {
	d := e.cfg.Detect
	mode, err := detect.ParseScoreMode(d.ScoreMode)
	if err != nil {
		return nil, err
	}
	emb, err := detect.NewEmbedder(d.Embedder, d.PixelGrid, d.EmbedderCommand)
	if err != nil {
		return nil, err
	}
	return detect.NewScorer(emb, mode, d.ImageExtensions, d.MinEmbeddings, e.log.WithComponent("detect")), nil
}

func (e *env) detectOptions() detect.Options {
	return detect.Options{
		ResultsDir:    e.cfg.Paths.Results,
		HistogramBins: e.cfg.Detect.HistogramBins,
	}
}
