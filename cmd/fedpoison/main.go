// fedpoison - Multi-face registration attack experiments on federated face data
//
//	fedpoison init          Write the default configuration file
//	fedpoison prepare       Build the per-identity image tree from CelebA
//	fedpoison split         Split identities into train/val/test (once)
//	fedpoison partition     Partition the train identities into clients
//	fedpoison synthesize    Synthesize normal and attack samples for one seed
//	fedpoison score         Score the synthesized samples and evaluate
//	fedpoison experiment    Synthesize and score once per configured seed
//	fedpoison run           split, partition and experiment in one go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"fedpoison/internal/attack"
	"fedpoison/internal/config"
	"fedpoison/internal/detect"
	"fedpoison/internal/experiment"
	"fedpoison/internal/faults"
	"fedpoison/internal/federated"
	"fedpoison/internal/identity"
	"fedpoison/internal/split"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *configPath, flag.Args(), os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error class to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, faults.ErrConfiguration):
		return 2
	case errors.Is(err, faults.ErrIntegrity):
		return 3
	case errors.Is(err, faults.ErrUndefinedMetric):
		return 4
	default:
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fedpoison - Multi-face registration attacks on federated face data

USAGE:
    fedpoison [-config <path>] <command> [options]

COMMANDS:
    init                Write the default configuration file
    prepare             Build the per-identity image tree from CelebA
    split               Split identities into train/val/test (once)
    partition           Partition the train identities into clients
    synthesize [-seed N] Synthesize normal and attack samples
    score               Score the synthesized samples and evaluate
    experiment          Synthesize and score once per configured seed
    run                 split, partition and experiment in one go
    help                Show this help message

WORKFLOW:
    1. fedpoison init
    2. fedpoison prepare
    3. fedpoison run
    4. fedpoisonctl status

Exit status is 2 for configuration errors, 3 for integrity violations and
4 when the detection metrics are undefined.`)
}

func run(ctx context.Context, cfgPath string, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "help", "-h", "--help":
		usage()
		return nil
	case "init":
		return cmdInit(cfgPath, out)
	case "prepare", "split", "partition", "synthesize", "score", "experiment", "run":
	default:
		return faults.Configf("unknown command %q", cmd)
	}

	e, err := openEnv(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	switch cmd {
	case "prepare":
		return e.cmdPrepare(ctx, out)
	case "split":
		_, err := e.cmdSplit(ctx, out)
		return err
	case "partition":
		return e.cmdPartition(ctx, out)
	case "synthesize":
		return e.cmdSynthesize(ctx, rest, out)
	case "score":
		return e.cmdScore(ctx, out)
	case "experiment":
		e.watchConfig()
		return e.cmdExperiment(ctx, out)
	default:
		e.watchConfig()
		if _, err := e.cmdSplit(ctx, out); err != nil {
			return err
		}
		if err := e.cmdPartition(ctx, out); err != nil {
			return err
		}
		return e.cmdExperiment(ctx, out)
	}
}

func cmdInit(cfgPath string, out io.Writer) error {
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}
	_, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Wrote default configuration to %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Configuration already exists at %s\n", cfgPath)
	}
	return nil
}

func (e *env) cmdPrepare(ctx context.Context, out io.Writer) error {
	return e.stage(ctx, "prepare", nil, func(ctx context.Context) error {
		meta, built, err := identity.Prepare(ctx, identity.PrepareOptions{
			ImageDir:       e.cfg.CelebaImageDir(),
			IdentityFile:   e.cfg.CelebaIdentityFile(),
			OutputDir:      e.cfg.IdentitiesDir(),
			MinImagesPerID: e.cfg.Prepare.MinImagesPerID,
		}, e.log.WithComponent("prepare").WithContext(ctx))
		if err != nil {
			return err
		}

		state := "Prepared"
		if !built {
			state = "Already prepared"
		}
		fmt.Fprintf(out, "%s %d identities (%d dropped, %d images) in %s\n",
			state, meta.IdentitiesKept, meta.IdentitiesDropped, meta.TotalImagesCopied, e.cfg.IdentitiesDir())
		return nil
	})
}

func (e *env) cmdSplit(ctx context.Context, out io.Writer) (*split.Assignment, error) {
	var a *split.Assignment
	seed := e.cfg.Split.Seed
	err := e.stage(ctx, "split", &seed, func(ctx context.Context) error {
		pool, err := identity.Pool(e.cfg.IdentitiesDir())
		if err != nil {
			return err
		}

		s := e.cfg.Split
		splitter := split.New(e.store, split.Options{
			Dir:    e.cfg.Paths.Splits,
			Ratios: split.Ratios{Train: s.TrainRatio, Val: s.ValRatio, Test: s.TestRatio},
			Seed:   s.Seed,
		}, e.log, e.metrics)

		var loaded bool
		a, loaded, err = splitter.Run(ctx, pool)
		if err != nil {
			return err
		}

		verb := "Created"
		if loaded {
			verb = "Loaded"
		}
		fmt.Fprintf(out, "%s split: %d train, %d val, %d test identities\n",
			verb, len(a.Train), len(a.Val), len(a.Test))
		return nil
	})
	return a, err
}

func (e *env) cmdPartition(ctx context.Context, out io.Writer) error {
	seed := e.cfg.Federated.Seed
	return e.stage(ctx, "partition", &seed, func(ctx context.Context) error {
		a, err := split.Load(ctx, e.store, e.cfg.Paths.Splits)
		if err != nil {
			return err
		}

		f := e.cfg.Federated
		metas, err := federated.New(e.store, federated.Options{
			Dir:           e.cfg.Paths.Federated,
			IdentitiesDir: e.cfg.IdentitiesDir(),
			Settings:      f.ClientSettings,
			SeedBase:      f.Seed,
			Bounds:        federated.Bounds{Min: f.MinIDsPerClient, Max: f.MaxIDsPerClient},
		}, e.log, e.metrics).Run(ctx, a.Train)
		if err != nil {
			return err
		}

		for _, m := range metas {
			fmt.Fprintf(out, "Partitioned %d train identities into %d clients (seed %d)\n",
				m.TotalAssigned, m.NumClients, m.RandomSeed)
		}
		return nil
	})
}

func (e *env) loadClients(ctx context.Context) ([]federated.Client, error) {
	clients, _, err := federated.Load(ctx, e.store, e.cfg.Paths.Federated, e.cfg.Attack.NumClients)
	return clients, err
}

func (e *env) cmdSynthesize(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("synthesize", flag.ContinueOnError)
	seed := fs.Int64("seed", e.cfg.Attack.Seed, "random seed of the synthesis")
	if err := fs.Parse(args); err != nil {
		return faults.Configf("%v", err)
	}

	return e.stage(ctx, "synthesize", seed, func(ctx context.Context) error {
		clients, err := e.loadClients(ctx)
		if err != nil {
			return err
		}
		meta, err := attack.New(e.store, attackOptions(e.cfg), e.log, e.metrics).Run(ctx, clients, *seed)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Synthesized %d attack identities across %d malicious of %d clients (%d skipped)\n",
			meta.NumAttackIdentities(), len(meta.MaliciousClients), meta.NumClients, len(meta.SkippedClients))
		return nil
	})
}

func (e *env) cmdScore(ctx context.Context, out io.Writer) error {
	scorer, err := e.scorer()
	if err != nil {
		return err
	}
	return e.stage(ctx, "score", nil, func(ctx context.Context) error {
		report, _, err := detect.NewDetector(e.store, scorer, e.detectOptions(), e.log, e.metrics).Run(ctx, e.cfg.AttackDir())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Samples: %d (%d attack, %d normal, %d excluded)\n",
			report.TotalSamples, report.AttackSamples, report.NormalSamples, report.Excluded)
		fmt.Fprintf(out, "ROC-AUC (%s): %.4f\n", report.ScoreMode, report.ROCAUC)
		fmt.Fprintf(out, "TPR@1%%FPR: %.4f\n", report.TPRAt1Pct)
		fmt.Fprintf(out, "TPR@0.1%%FPR: %.4f\n", report.TPRAt01Pct)
		return nil
	})
}

func (e *env) cmdExperiment(ctx context.Context, out io.Writer) error {
	scorer, err := e.scorer()
	if err != nil {
		return err
	}
	clients, err := e.loadClients(ctx)
	if err != nil {
		return err
	}

	d := e.cfg.Driver
	res, err := experiment.New(e.store, scorer, experiment.Options{
		Seeds:        d.Seeds,
		IsolateSeeds: d.IsolateSeeds,
		Attack:       attackOptions(e.cfg),
		Detect:       e.detectOptions(),
		ResultsDir:   e.cfg.Paths.Results,
	}, e.ledger, e.log, e.metrics).Run(ctx, clients)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%6s  %8s  %8s  %9s  %10s\n", "seed", "targets", "roc_auc", "tpr@1%", "tpr@0.1%")
	for _, r := range res.Results {
		fmt.Fprintf(out, "%6d  %8d  %8.4f  %9.4f  %10.4f\n",
			r.Seed, r.NumAttackIdentities, r.ROCAUC, r.TPRAt1Pct, r.TPRAt01Pct)
	}
	s := res.Summary
	fmt.Fprintf(out, "\nROC-AUC: %.4f ± %.4f\n", s.MeanROCAUC, s.StdROCAUC)
	fmt.Fprintf(out, "TPR@1%%FPR: %.4f ± %.4f\n", s.MeanTPRAt1Pct, s.StdTPRAt1Pct)
	return nil
}
