package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"photodrop/internal/config"
)

// Defaults are the paths the CLI uses before any config file is read.
type Defaults struct {
	// ConfigPath is read from PHOTODROP_CONFIG_PATH.
	ConfigPath string `env:"CONFIG_PATH"`
	// BaseDir is read from PHOTODROP_HOME.
	BaseDir string `env:"HOME"`
	LogDir  string
}

// xdgDirs are the XDG base directories. Relative values are ignored.
type xdgDirs struct {
	ConfigHome string `env:"XDG_CONFIG_HOME"`
	DataHome   string `env:"XDG_DATA_HOME"`
}

// GetDefaults resolves the default paths. Explicit PHOTODROP_* variables
// win; otherwise the config file is $XDG_CONFIG_HOME/photodrop.toml and
// data lives in $XDG_DATA_HOME/photodrop, with the usual ~/.config and
// ~/.local/share fallbacks.
func GetDefaults() (*Defaults, error) {
	d := &Defaults{}
	if err := env.ParseWithOptions(d, env.Options{Prefix: config.EnvPrefix}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	var xdg xdgDirs
	if err := env.Parse(&xdg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if d.ConfigPath == "" {
		dir, err := baseDir(xdg.ConfigHome, ".config")
		if err != nil {
			return nil, err
		}
		d.ConfigPath = filepath.Join(dir, "photodrop.toml")
	}
	if d.BaseDir == "" {
		dir, err := baseDir(xdg.DataHome, filepath.Join(".local", "share"))
		if err != nil {
			return nil, err
		}
		d.BaseDir = filepath.Join(dir, "photodrop")
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")
	return d, nil
}

// baseDir returns xdgValue when it is absolute, else homeRel under the
// user's home directory.
func baseDir(xdgValue, homeRel string) (string, error) {
	if filepath.IsAbs(xdgValue) {
		return xdgValue, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, homeRel), nil
}
