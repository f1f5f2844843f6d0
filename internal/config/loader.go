package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// Loader reads a config file and optionally watches it. Each reload produces
// a fresh Config; callers holding the previous one keep a consistent snapshot.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	errs    chan error
}

// NewLoader creates a loader for path, or for ConfigPath() when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		done: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

// Path returns the file this loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback run after every successful reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors delivers reload and watcher failures. Errors are dropped while an
// earlier one is still unread.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the configuration whenever the file changes. The parent
// directory is watched so that editors replacing the file are seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-timer.C:
			l.reload()
		}
	}
}

// reload swaps in the new configuration. An invalid edit keeps the previous
// configuration in force.
func (l *Loader) reload() {
	cfg, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call on a loader that never watched.
func (l *Loader) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

type codec struct {
	name   string
	decode func([]byte, *Config) error
	encode func(*Config) ([]byte, error)
}

var (
	tomlCodec = codec{
		name: "TOML",
		decode: func(data []byte, cfg *Config) error {
			_, err := toml.Decode(string(data), cfg)
			return err
		},
		encode: func(cfg *Config) ([]byte, error) {
			var buf bytes.Buffer
			err := toml.NewEncoder(&buf).Encode(cfg)
			return buf.Bytes(), err
		},
	}
	jsonCodec = codec{
		name: "JSON",
		decode: func(data []byte, cfg *Config) error {
			return json.Unmarshal(data, cfg)
		},
		encode: func(cfg *Config) ([]byte, error) {
			data, err := json.MarshalIndent(cfg, "", "  ")
			return append(data, '\n'), err
		},
	}
	yamlCodec = codec{
		name: "YAML",
		decode: func(data []byte, cfg *Config) error {
			return yaml.Unmarshal(data, cfg)
		},
		encode: func(cfg *Config) ([]byte, error) {
			return yaml.Marshal(cfg)
		},
	}
)

// codecFor picks the codec from the file extension. ok is false for an
// unknown extension, in which case TOML is used for writing.
func codecFor(path string) (c codec, ok bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return tomlCodec, true
	case ".json":
		return jsonCodec, true
	case ".yaml", ".yml":
		return yamlCodec, true
	}
	return tomlCodec, false
}

// loadConfigFromFile decodes path over the defaults. A missing file yields
// the defaults; a file without a known extension is tried in every format.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if c, ok := codecFor(path); ok {
		cfg := DefaultConfig()
		if err := c.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		return cfg, nil
	}

	for _, c := range []codec{tomlCodec, jsonCodec, yamlCodec} {
		cfg := DefaultConfig()
		if c.decode(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("parse config: unable to parse %s as TOML, JSON or YAML", path)
}

// SaveConfig writes cfg to path in the format implied by its extension,
// creating parent directories as needed. The file is replaced atomically.
func SaveConfig(cfg *Config, path string) error {
	c, _ := codecFor(path)
	data, err := c.encode(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadOrCreate loads the configuration at path, first writing the defaults
// there if the file does not exist. created reports whether it did.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	l := NewLoader(path)
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		cfg = DefaultConfig()
		if err := SaveConfig(cfg, l.path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err = l.Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
