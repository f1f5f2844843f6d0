package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"fedpoison/internal/faults"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap classifies every validation failure as a configuration error.
func (e ValidationErrors) Unwrap() error {
	return faults.ErrConfiguration
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePaths(&c.Paths)...)
	errs = append(errs, validateSplit(&c.Split)...)
	errs = append(errs, validateFederated(&c.Federated)...)
	errs = append(errs, validateAttack(&c.Attack)...)
	errs = append(errs, validateDetect(&c.Detect)...)
	errs = append(errs, validateDriver(&c.Driver)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePaths(p *PathsConfig) ValidationErrors {
	var errs ValidationErrors

	if p.Root == "" {
		errs = append(errs, ValidationError{Field: "paths.root", Message: "required"})
	}
	if p.Identities == "" {
		errs = append(errs, ValidationError{Field: "paths.identities_dir", Message: "required"})
	}

	// Stage directories double as artifact key prefixes.
	for field, dir := range map[string]string{
		"paths.splits_dir":    p.Splits,
		"paths.federated_dir": p.Federated,
		"paths.attack_dir":    p.Attack,
		"paths.results_dir":   p.Results,
	} {
		switch {
		case dir == "":
			errs = append(errs, ValidationError{Field: field, Message: "required"})
		case filepath.IsAbs(dir) || strings.HasPrefix(filepath.Clean(dir), ".."):
			errs = append(errs, ValidationError{Field: field, Message: "must be relative to paths.root"})
		}
	}

	return errs
}

func validateSplit(s *SplitConfig) ValidationErrors {
	var errs ValidationErrors

	ratios := map[string]float64{
		"split.train_ratio": s.TrainRatio,
		"split.val_ratio":   s.ValRatio,
		"split.test_ratio":  s.TestRatio,
	}
	for field, r := range ratios {
		if r <= 0 || r >= 1 {
			errs = append(errs, ValidationError{Field: field, Message: "must be in (0, 1)"})
		}
	}

	if sum := s.TrainRatio + s.ValRatio + s.TestRatio; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, ValidationError{
			Field:   "split",
			Message: fmt.Sprintf("ratios sum to %g, want 1", sum),
		})
	}

	return errs
}

func validateFederated(f *FederatedConfig) ValidationErrors {
	var errs ValidationErrors

	if len(f.ClientSettings) == 0 {
		errs = append(errs, ValidationError{Field: "federated.client_settings", Message: "at least one setting required"})
	}
	for _, n := range f.ClientSettings {
		if n < 1 {
			errs = append(errs, ValidationError{
				Field:   "federated.client_settings",
				Message: fmt.Sprintf("client count %d must be >= 1", n),
			})
		}
	}

	if f.MinIDsPerClient < 1 {
		errs = append(errs, ValidationError{Field: "federated.min_ids_per_client", Message: "must be >= 1"})
	}
	if f.MaxIDsPerClient < f.MinIDsPerClient {
		errs = append(errs, ValidationError{Field: "federated.max_ids_per_client", Message: "must be >= min_ids_per_client"})
	}

	return errs
}

func validateAttack(a *AttackConfig) ValidationErrors {
	var errs ValidationErrors

	if a.NumClients < 1 {
		errs = append(errs, ValidationError{Field: "attack.num_clients", Message: "must be >= 1"})
	}
	if a.Fraction <= 0 || a.Fraction > 1 {
		errs = append(errs, ValidationError{Field: "attack.fraction", Message: "must be in (0, 1]"})
	}
	if a.ImagesPerIdentity < 1 {
		errs = append(errs, ValidationError{Field: "attack.images_per_identity", Message: "must be >= 1"})
	}
	if a.AttackIDsPerClient < 1 {
		errs = append(errs, ValidationError{Field: "attack.attack_ids_per_client", Message: "must be >= 1"})
	}
	if a.DonorsPerAttack < 1 {
		errs = append(errs, ValidationError{Field: "attack.donors_per_attack", Message: "must be >= 1"})
	}
	if a.MinValidIdentities < 2 {
		errs = append(errs, ValidationError{Field: "attack.min_valid_identities", Message: "must be >= 2"})
	}

	return errs
}

func validateDetect(d *DetectConfig) ValidationErrors {
	var errs ValidationErrors

	switch d.ScoreMode {
	case "max", "mean":
	default:
		errs = append(errs, ValidationError{
			Field:   "detect.score_mode",
			Message: fmt.Sprintf("unknown mode %q (use max or mean)", d.ScoreMode),
		})
	}

	switch d.Embedder {
	case "pixel":
		if d.PixelGrid < 2 {
			errs = append(errs, ValidationError{Field: "detect.pixel_grid", Message: "must be >= 2"})
		}
	case "exec":
		if len(d.EmbedderCommand) == 0 {
			errs = append(errs, ValidationError{Field: "detect.embedder_command", Message: "required for exec embedder"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "detect.embedder",
			Message: fmt.Sprintf("unknown embedder %q", d.Embedder),
		})
	}

	if len(d.ImageExtensions) == 0 {
		errs = append(errs, ValidationError{Field: "detect.image_extensions", Message: "at least one extension required"})
	}
	if d.MinEmbeddings < 2 {
		errs = append(errs, ValidationError{Field: "detect.min_embeddings", Message: "must be >= 2"})
	}
	if d.HistogramBins < 1 {
		errs = append(errs, ValidationError{Field: "detect.histogram_bins", Message: "must be >= 1"})
	}

	return errs
}

func validateDriver(d *DriverConfig) ValidationErrors {
	if len(d.Seeds) == 0 {
		return ValidationErrors{{Field: "driver.seeds", Message: "at least one seed required"}}
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "fs":
	case "s3":
		if s.S3.Bucket == "" {
			errs = append(errs, ValidationError{Field: "storage.s3.bucket", Message: "required for s3 backend"})
		}
		if s.S3.Region == "" {
			errs = append(errs, ValidationError{Field: "storage.s3.region", Message: "required for s3 backend"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("unknown backend %q (use fs or s3)", s.Backend),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required for file output"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "must not be negative"})
	}

	return errs
}
