package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// openOutput resolves cfg.Output to a writer. The returned file logger is
// nil unless the output includes a file.
func openOutput(cfg *Config) (io.Writer, *lumberjack.Logger, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		file, err := openFile(cfg)
		if err != nil {
			return nil, nil, err
		}
		return file, file, nil
	case "both":
		file, err := openFile(cfg)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stderr, file), file, nil
	}
	return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
}

func openFile(cfg *Config) (*lumberjack.Logger, error) {
	path := cfg.FilePath
	if path == "" {
		path = defaultLogPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// defaultLogPath returns the per-user log location for this platform.
func defaultLogPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "fedpoison", "fedpoison.log")
	case "windows":
		dir := os.Getenv("LOCALAPPDATA")
		if dir == "" {
			dir = os.Getenv("APPDATA")
		}
		return filepath.Join(dir, "fedpoison", "logs", "fedpoison.log")
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "fedpoison", "fedpoison.log")
}
