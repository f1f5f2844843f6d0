// fedpoisonctl is the inspection CLI for fedpoison data roots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"fedpoison/internal/artifact"
	"fedpoison/internal/attack"
	"fedpoison/internal/config"
	"fedpoison/internal/detect"
	"fedpoison/internal/experiment"
	"fedpoison/internal/federated"
	"fedpoison/internal/identity"
	"fedpoison/internal/ledger"
	"fedpoison/internal/schema"
	"fedpoison/internal/split"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	if err := run(context.Background(), *configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fedpoisonctl - Inspection utility for fedpoison

Usage: fedpoisonctl [options] <command> [args]

Commands:
  status                  Show which artifacts exist and the ledger state
  history [-n N]          Print recent pipeline runs and per-seed results
  verify                  Re-check persisted split, partitions, attack metadata and results
  show [-history] <key>   Print an artifact, or its version history
  help                    Show this help message

Options:
  -config <path>  Path to config file`)
}

func run(ctx context.Context, cfgPath string, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	if cmd == "help" {
		usage()
		return nil
	}

	cfg, err := config.NewLoader(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch cmd {
	case "status":
		return cmdStatus(ctx, cfg, out)
	case "history":
		return cmdHistory(ctx, cfg, rest, out)
	case "verify":
		return cmdVerify(ctx, cfg, out)
	case "show":
		return cmdShow(ctx, cfg, rest, out)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	if cfg.Storage.Backend == "s3" {
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
	}
	return artifact.NewFileStore(cfg.Paths.Root)
}

// openLedger opens the ledger if it exists. Inspection never creates one.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	path := cfg.LedgerFile()
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return ledger.Open(path)
}

func cmdStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== fedpoison Status ===")
	fmt.Fprintf(out, "Data root: %s (%s backend)\n", cfg.Paths.Root, cfg.Storage.Backend)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Identities:")
	if pool, err := identity.Pool(cfg.IdentitiesDir()); err != nil {
		fmt.Fprintf(out, "  NOT PREPARED: %s\n", cfg.IdentitiesDir())
	} else {
		fmt.Fprintf(out, "  %d identities in %s\n", len(pool), cfg.IdentitiesDir())
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Artifacts:")
	keys := []string{}
	train, val, test := split.Keys(cfg.Paths.Splits)
	keys = append(keys, train, val, test, artifact.Key(cfg.Paths.Splits, split.MetaFile))
	for _, n := range cfg.Federated.ClientSettings {
		keys = append(keys, artifact.Key(cfg.Paths.Federated, federated.SettingDir(n), federated.MetaFile))
	}
	keys = append(keys,
		artifact.Key(cfg.Paths.Attack, attack.MetaFile),
		artifact.Key(cfg.Paths.Results, detect.ReportFile),
		artifact.Key(cfg.Paths.Results, detect.DistributionFile),
		artifact.Key(cfg.Paths.Results, experiment.ResultsFile),
	)
	for _, key := range keys {
		ok, err := store.Exists(ctx, key)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  [ERR]  %s: %v\n", key, err)
		case ok:
			fmt.Fprintf(out, "  [OK]   %s\n", key)
		default:
			fmt.Fprintf(out, "  [--]   %s\n", key)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Ledger:")
	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if l == nil {
		fmt.Fprintf(out, "  No ledger at %s\n", cfg.LedgerFile())
		return nil
	}
	defer l.Close()

	ms, err := l.MigrationStatus()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  Schema version: %d (latest %d)\n", ms.CurrentVersion, ms.LatestVersion)

	runs, err := l.Runs(ctx, 1)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		r := runs[0]
		fmt.Fprintf(out, "  Last run: %s %s (%s, %s)\n", r.Stage, r.Status, r.ID, humanize.Time(r.StartedAt))
	}
	latest, err := l.LatestArtifacts(ctx)
	if err != nil {
		return err
	}
	var size int64
	for _, a := range latest {
		size += a.Size
	}
	fmt.Fprintf(out, "  Tracked artifacts: %d (%s)\n", len(latest), humanize.IBytes(uint64(size)))
	return nil
}

func cmdHistory(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if l == nil {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	defer l.Close()

	runs, err := l.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	fmt.Fprintln(out, "=== Run History ===")
	fmt.Fprintf(out, "%-36s  %-10s  %6s  %-7s  %-20s  %s\n", "ID", "Stage", "Seed", "Status", "Started", "Duration")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, r := range runs {
		seed := "-"
		if r.Seed != nil {
			seed = fmt.Sprint(*r.Seed)
		}
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(out, "%-36s  %-10s  %6s  %-7s  %-20s  %s\n",
			r.ID, r.Stage, seed, r.Status, r.StartedAt.Format(time.RFC3339), dur)
		if r.Status == ledger.StatusFailed && r.Detail != "" {
			fmt.Fprintf(out, "    %s\n", r.Detail)
		}
	}

	results, err := l.Results(ctx)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "=== Results ===")
		fmt.Fprintf(out, "%6s  %8s  %8s  %9s  %10s\n", "seed", "targets", "roc_auc", "tpr@1%", "tpr@0.1%")
		for _, r := range results {
			fmt.Fprintf(out, "%6d  %8d  %8.4f  %9.4f  %10.4f\n",
				r.Seed, r.NumAttackIdentities, r.ROCAUC, r.TPRAt1Pct, r.TPRAt01Pct)
		}
	}
	return nil
}

// check is one verification step. A step whose artifacts are absent
// reports errAbsent and is not a failure.
type check struct {
	name string
	fn   func() (string, error)
}

var errAbsent = errors.New("not present")

func cmdVerify(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	var assignment *split.Assignment
	checks := []check{{
		name: "split",
		fn: func() (string, error) {
			if n, err := artifact.ExistsAll(ctx, store, keysOf(split.Keys(cfg.Paths.Splits))...); err != nil || n == 0 {
				return "", absentOr(err)
			}
			a, err := split.Load(ctx, store, cfg.Paths.Splits)
			if err != nil {
				return "", err
			}
			assignment = a
			return fmt.Sprintf("%d train, %d val, %d test", len(a.Train), len(a.Val), len(a.Test)), nil
		},
	}}

	for _, n := range cfg.Federated.ClientSettings {
		checks = append(checks, check{
			name: federated.SettingDir(n),
			fn: func() (string, error) {
				ok, err := store.Exists(ctx, artifact.Key(cfg.Paths.Federated, federated.SettingDir(n), federated.MetaFile))
				if err != nil || !ok {
					return "", absentOr(err)
				}
				clients, meta, err := federated.Load(ctx, store, cfg.Paths.Federated, n)
				if err != nil {
					return "", err
				}
				if assignment != nil {
					train := identity.Set(assignment.Train)
					for _, c := range clients {
						for _, id := range c.IDs {
							if _, ok := train[id]; !ok {
								return "", fmt.Errorf("%s: %s is not in the train split", c.File, id)
							}
						}
					}
				}
				return fmt.Sprintf("%d clients, %d identities", meta.NumClients, meta.TotalAssigned), nil
			},
		})
	}

	checks = append(checks,
		check{
			name: "attack metadata",
			fn: func() (string, error) {
				key := artifact.Key(cfg.Paths.Attack, attack.MetaFile)
				ok, err := store.Exists(ctx, key)
				if err != nil || !ok {
					return "", absentOr(err)
				}
				meta, err := attack.LoadMetadata(ctx, store, key)
				if err != nil {
					return "", err
				}
				clients, _, err := federated.Load(ctx, store, cfg.Paths.Federated, cfg.Attack.NumClients)
				if err == nil {
					files := make(map[string]bool, len(clients))
					for _, c := range clients {
						files[c.File] = true
					}
					if meta.NumClients != len(clients) {
						return "", fmt.Errorf("metadata lists %d clients, partitioning has %d", meta.NumClients, len(clients))
					}
					for _, m := range meta.MaliciousClients {
						if !files[m] {
							return "", fmt.Errorf("malicious client %s is not in the partitioning", m)
						}
					}
				}
				return fmt.Sprintf("seed %d, %d malicious clients, %d attack identities",
					meta.RandomSeed, len(meta.MaliciousClients), meta.NumAttackIdentities()), nil
			},
		},
		check{
			name: "detection report",
			fn: func() (string, error) {
				data, err := store.Load(ctx, artifact.Key(cfg.Paths.Results, detect.ReportFile))
				if err != nil {
					return "", absentOr(err)
				}
				var r detect.Report
				if err := schema.Unmarshal(schema.DetectionReport, data, &r); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d samples, roc_auc %.4f", r.TotalSamples, r.ROCAUC), nil
			},
		},
		check{
			name: "multi-seed results",
			fn: func() (string, error) {
				results, err := experiment.LoadResults(ctx, store, cfg.Paths.Results)
				if err != nil {
					return "", absentOr(err)
				}
				s := experiment.Summarize(results)
				return fmt.Sprintf("%d seeds, roc_auc %.4f ± %.4f", s.Seeds, s.MeanROCAUC, s.StdROCAUC), nil
			},
		},
		check{
			name: "ledger",
			fn: func() (string, error) {
				l, err := openLedger(cfg)
				if err != nil {
					return "", err
				}
				if l == nil {
					return "", errAbsent
				}
				defer l.Close()
				if err := l.Validate(); err != nil {
					return "", err
				}
				return "schema complete", nil
			},
		},
	)

	failed := 0
	fmt.Fprintln(out, "=== Verification ===")
	for _, c := range checks {
		detail, err := c.fn()
		switch {
		case errors.Is(err, errAbsent):
			fmt.Fprintf(out, "  [--]   %s: not present\n", c.name)
		case err != nil:
			failed++
			fmt.Fprintf(out, "  [FAIL] %s: %v\n", c.name, err)
		default:
			fmt.Fprintf(out, "  [OK]   %s: %s\n", c.name, detail)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "\n✓ Verification PASSED")
	return nil
}

func keysOf(train, val, test string) []string {
	return []string{train, val, test}
}

func absentOr(err error) error {
	if err == nil || errors.Is(err, artifact.ErrNotFound) {
		return errAbsent
	}
	return err
}

func cmdShow(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	history := fs.Bool("history", false, "print the version history instead of the content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fedpoisonctl show [-history] <key>")
	}
	key := fs.Arg(0)

	if !*history {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		data, err := store.Load(ctx, key)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		if err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
			_, err = fmt.Fprintln(out)
		}
		return err
	}

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("no ledger at %s", cfg.LedgerFile())
	}
	defer l.Close()

	versions, err := l.ArtifactHistory(ctx, key)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("%s has no recorded versions", key)
	}
	fmt.Fprintf(out, "%-7s  %-16s  %10s  %-36s  %s\n", "Version", "Digest", "Size", "Run", "Stored")
	for _, v := range versions {
		fmt.Fprintf(out, "%-7d  %-16s  %10s  %-36s  %s\n",
			v.Version, v.Digest[:16], humanize.IBytes(uint64(v.Size)), v.RunID, v.StoredAt.Format(time.RFC3339))
	}
	return nil
}
