package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "fedpoison"

// SupportedConfigFormats lists the config file extensions, in lookup order.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// PlatformConfigDir returns the per-user config directory, for example
// ~/.config/fedpoison on Linux. XDG_CONFIG_HOME is honored on every platform
// so that tests and containers can redirect it.
func PlatformConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), "."+appName)
}

// PlatformLogDir returns the per-user log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		if dir, err := os.UserCacheDir(); err == nil {
			return filepath.Join(dir, appName, "logs")
		}
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(homeDir(), ".local", "state", appName)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// FindConfigFile returns the first fedpoison.<ext> found in the working
// directory and then in PlatformConfigDir, or "" if there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, appName+"."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// ConfigPath returns the config file to use when none is given: the first
// file found by FindConfigFile, else fedpoison.toml in the working directory.
func ConfigPath() string {
	if p := FindConfigFile(); p != "" {
		return p
	}
	return appName + ".toml"
}
