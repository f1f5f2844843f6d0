// Package config handles configuration loading, validation, and management for fedpoison.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete pipeline configuration. A Config is treated as
// immutable once loaded; stages receive the sections they need by value.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Paths locates the data root and the per-stage output directories.
	Paths PathsConfig `toml:"paths" json:"paths" yaml:"paths"`

	// Prepare configures the CelebA identity preparation step.
	Prepare PrepareConfig `toml:"prepare" json:"prepare" yaml:"prepare"`

	// Split configures the train/val/test splitter.
	Split SplitConfig `toml:"split" json:"split" yaml:"split"`

	// Federated configures the client partitioner.
	Federated FederatedConfig `toml:"federated" json:"federated" yaml:"federated"`

	// Attack configures the multi-face registration attack synthesizer.
	Attack AttackConfig `toml:"attack" json:"attack" yaml:"attack"`

	// Detect configures the embedding-consistency scorer.
	Detect DetectConfig `toml:"detect" json:"detect" yaml:"detect"`

	// Driver configures the multi-seed experiment driver.
	Driver DriverConfig `toml:"driver" json:"driver" yaml:"driver"`

	// Storage configures the artifact store backend and the run ledger.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// PathsConfig holds the on-disk layout. Stage directories are relative to
// Root and double as artifact key prefixes.
type PathsConfig struct {
	// Root is the data root (the original layout's data_processed).
	Root string `toml:"root" json:"root" yaml:"root"`

	// Identities is the per-identity image tree; relative paths resolve under Root.
	Identities string `toml:"identities_dir" json:"identities_dir" yaml:"identities_dir"`

	Splits    string `toml:"splits_dir" json:"splits_dir" yaml:"splits_dir"`
	Federated string `toml:"federated_dir" json:"federated_dir" yaml:"federated_dir"`
	Attack    string `toml:"attack_dir" json:"attack_dir" yaml:"attack_dir"`
	Results   string `toml:"results_dir" json:"results_dir" yaml:"results_dir"`
}

// PrepareConfig holds CelebA preparation settings.
type PrepareConfig struct {
	// CelebaRoot is the extracted CelebA distribution directory.
	CelebaRoot string `toml:"celeba_root" json:"celeba_root" yaml:"celeba_root"`

	// ImageDir is the aligned image directory, relative to CelebaRoot.
	ImageDir string `toml:"image_dir" json:"image_dir" yaml:"image_dir"`

	// IdentityFile is the image-to-person mapping, relative to CelebaRoot.
	IdentityFile string `toml:"identity_file" json:"identity_file" yaml:"identity_file"`

	// MinImagesPerID drops identities with fewer mapped or copied images.
	MinImagesPerID int `toml:"min_images_per_id" json:"min_images_per_id" yaml:"min_images_per_id"`
}

// SplitConfig holds identity split settings.
type SplitConfig struct {
	TrainRatio float64 `toml:"train_ratio" json:"train_ratio" yaml:"train_ratio"`
	ValRatio   float64 `toml:"val_ratio" json:"val_ratio" yaml:"val_ratio"`
	TestRatio  float64 `toml:"test_ratio" json:"test_ratio" yaml:"test_ratio"`

	// Seed is used once; afterwards the persisted split is authoritative.
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`
}

// FederatedConfig holds client partitioning settings.
type FederatedConfig struct {
	// ClientSettings lists the client counts to generate partitionings for.
	ClientSettings []int `toml:"client_settings" json:"client_settings" yaml:"client_settings"`

	// Seed is the base seed; each setting N uses Seed+N.
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`

	MinIDsPerClient int `toml:"min_ids_per_client" json:"min_ids_per_client" yaml:"min_ids_per_client"`
	MaxIDsPerClient int `toml:"max_ids_per_client" json:"max_ids_per_client" yaml:"max_ids_per_client"`
}

// AttackConfig holds attack synthesis settings.
type AttackConfig struct {
	// NumClients selects the clients_N partitioning to attack.
	NumClients int `toml:"num_clients" json:"num_clients" yaml:"num_clients"`

	// Fraction of clients made malicious; at least one always is.
	Fraction float64 `toml:"fraction" json:"fraction" yaml:"fraction"`

	ImagesPerIdentity  int `toml:"images_per_identity" json:"images_per_identity" yaml:"images_per_identity"`
	AttackIDsPerClient int `toml:"attack_ids_per_client" json:"attack_ids_per_client" yaml:"attack_ids_per_client"`
	DonorsPerAttack    int `toml:"donors_per_attack" json:"donors_per_attack" yaml:"donors_per_attack"`

	// MinValidIdentities skips clients with fewer identities on disk.
	MinValidIdentities int `toml:"min_valid_identities" json:"min_valid_identities" yaml:"min_valid_identities"`

	// Seed is the default seed for a single synthesize run.
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`
}

// DetectConfig holds detection scorer settings.
type DetectConfig struct {
	// ScoreMode aggregates per-image cosine distances: "max" or "mean".
	ScoreMode string `toml:"score_mode" json:"score_mode" yaml:"score_mode"`

	// Embedder selects the embedding backend: "pixel" or "exec".
	Embedder string `toml:"embedder" json:"embedder" yaml:"embedder"`

	// EmbedderCommand is the argv of the exec embedder; the image path is appended.
	EmbedderCommand []string `toml:"embedder_command" json:"embedder_command" yaml:"embedder_command"`

	// PixelGrid is the side length of the pixel embedder's resampled grid.
	PixelGrid int `toml:"pixel_grid" json:"pixel_grid" yaml:"pixel_grid"`

	// ImageExtensions lists the file extensions considered images.
	ImageExtensions []string `toml:"image_extensions" json:"image_extensions" yaml:"image_extensions"`

	// MinEmbeddings is the minimum successful embeddings to score an identity.
	MinEmbeddings int `toml:"min_embeddings" json:"min_embeddings" yaml:"min_embeddings"`

	// HistogramBins is the bin count of the persisted score distribution.
	HistogramBins int `toml:"histogram_bins" json:"histogram_bins" yaml:"histogram_bins"`
}

// DriverConfig holds multi-seed experiment settings.
type DriverConfig struct {
	Seeds []int64 `toml:"seeds" json:"seeds" yaml:"seeds"`

	// IsolateSeeds writes each seed's attack tree under its own directory.
	IsolateSeeds bool `toml:"isolate_seeds" json:"isolate_seeds" yaml:"isolate_seeds"`
}

// StorageConfig holds artifact store configuration.
type StorageConfig struct {
	// Backend is the artifact backend: "fs" or "s3".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// LedgerPath is the SQLite run ledger; empty means <root>/ledger.db.
	LedgerPath string `toml:"ledger_path" json:"ledger_path" yaml:"ledger_path"`

	// S3 configures the s3 backend.
	S3 S3Config `toml:"s3" json:"s3" yaml:"s3"`
}

// S3Config holds S3 or S3-compatible object storage settings.
type S3Config struct {
	Bucket   string `toml:"bucket" json:"bucket" yaml:"bucket"`
	Region   string `toml:"region" json:"region" yaml:"region"`
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Prefix   string `toml:"prefix" json:"prefix" yaml:"prefix"`

	UsePathStyle bool `toml:"use_path_style" json:"use_path_style" yaml:"use_path_style"`

	// Static credentials (use env vars FEDPOISON_S3_ACCESS_KEY_ID / FEDPOISON_S3_SECRET_ACCESS_KEY).
	AccessKeyID     string `toml:"access_key_id" json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" json:"secret_access_key" yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TextfilePath is the Prometheus textfile written after each command;
	// empty means <root>/<results>/fedpoison.prom.
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
}

// DefaultConfig returns the experiment's reference configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Paths: PathsConfig{
			Root:       "data_processed",
			Identities: "celeba_identities",
			Splits:     "splits",
			Federated:  "federated",
			Attack:     "attack_dataset",
			Results:    "results",
		},
		Prepare: PrepareConfig{
			CelebaRoot:     "Celeba",
			ImageDir:       filepath.Join("img_align_celeba", "img_align_celeba"),
			IdentityFile:   "identity_CelebA.txt",
			MinImagesPerID: 5,
		},
		Split: SplitConfig{
			TrainRatio: 0.70,
			ValRatio:   0.15,
			TestRatio:  0.15,
			Seed:       42,
		},
		Federated: FederatedConfig{
			ClientSettings:  []int{10, 20, 50},
			Seed:            42,
			MinIDsPerClient: 50,
			MaxIDsPerClient: 150,
		},
		Attack: AttackConfig{
			NumClients:         20,
			Fraction:           0.25,
			ImagesPerIdentity:  3,
			AttackIDsPerClient: 10,
			DonorsPerAttack:    2,
			MinValidIdentities: 3,
			Seed:               42,
		},
		Detect: DetectConfig{
			ScoreMode:       "max",
			Embedder:        "pixel",
			PixelGrid:       16,
			ImageExtensions: []string{".jpg", ".jpeg", ".png"},
			MinEmbeddings:   2,
			HistogramBins:   50,
		},
		Driver: DriverConfig{
			Seeds: []int64{0, 1, 2, 3, 4},
		},
		Storage: StorageConfig{
			Backend: "fs",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "fedpoison.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with FEDPOISON_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FEDPOISON_ROOT"); v != "" {
		c.Paths.Root = v
	}
	if v := os.Getenv("FEDPOISON_IDENTITIES_DIR"); v != "" {
		c.Paths.Identities = v
	}

	if v := os.Getenv("FEDPOISON_SCORE_MODE"); v != "" {
		c.Detect.ScoreMode = v
	}
	if v := os.Getenv("FEDPOISON_ATTACK_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Attack.Seed = seed
		}
	}

	if v := os.Getenv("FEDPOISON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FEDPOISON_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("FEDPOISON_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FEDPOISON_LEDGER_PATH"); v != "" {
		c.Storage.LedgerPath = v
	}
	if v := os.Getenv("FEDPOISON_S3_BUCKET"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FEDPOISON_S3_ENDPOINT"); v != "" {
		c.Storage.S3.Endpoint = v
	}

	// Credentials from env (for security)
	if v := os.Getenv("FEDPOISON_S3_ACCESS_KEY_ID"); v != "" {
		c.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("FEDPOISON_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Storage.S3.SecretAccessKey = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.Federated.ClientSettings = append([]int{}, c.Federated.ClientSettings...)
	clone.Detect.EmbedderCommand = append([]string{}, c.Detect.EmbedderCommand...)
	clone.Detect.ImageExtensions = append([]string{}, c.Detect.ImageExtensions...)
	clone.Driver.Seeds = append([]int64{}, c.Driver.Seeds...)

	return &clone
}

// IdentitiesDir returns the identity image tree.
func (c *Config) IdentitiesDir() string {
	return c.underRoot(c.Paths.Identities)
}

// AttackDir returns the local directory holding the synthesized image trees.
func (c *Config) AttackDir() string {
	return c.underRoot(c.Paths.Attack)
}

// ResultsDir returns the local results directory.
func (c *Config) ResultsDir() string {
	return c.underRoot(c.Paths.Results)
}

// LedgerFile returns the SQLite ledger path.
func (c *Config) LedgerFile() string {
	if c.Storage.LedgerPath != "" {
		return c.Storage.LedgerPath
	}
	return filepath.Join(c.Paths.Root, "ledger.db")
}

// MetricsFile returns the Prometheus textfile path.
func (c *Config) MetricsFile() string {
	if c.Metrics.TextfilePath != "" {
		return c.Metrics.TextfilePath
	}
	return filepath.Join(c.ResultsDir(), "fedpoison.prom")
}

// CelebaImageDir returns the aligned CelebA image directory.
func (c *Config) CelebaImageDir() string {
	return filepath.Join(c.Prepare.CelebaRoot, c.Prepare.ImageDir)
}

// CelebaIdentityFile returns the CelebA identity mapping file.
func (c *Config) CelebaIdentityFile() string {
	return filepath.Join(c.Prepare.CelebaRoot, c.Prepare.IdentityFile)
}

func (c *Config) underRoot(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Root, p)
}
