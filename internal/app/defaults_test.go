package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name       string
		env        map[string]string
		wantConfig string
		wantBase   string
	}{
		{
			name: "explicit variables win",
			env: map[string]string{
				"PHOTODROP_CONFIG_PATH": "/custom/config.toml",
				"PHOTODROP_HOME":        "/custom/photodrop",
				"XDG_CONFIG_HOME":       "/xdg/config",
				"XDG_DATA_HOME":         "/xdg/data",
			},
			wantConfig: "/custom/config.toml",
			wantBase:   "/custom/photodrop",
		},
		{
			name: "xdg base directories",
			env: map[string]string{
				"XDG_CONFIG_HOME": "/xdg/config",
				"XDG_DATA_HOME":   "/xdg/data",
			},
			wantConfig: "/xdg/config/photodrop.toml",
			wantBase:   "/xdg/data/photodrop",
		},
		{
			name: "relative xdg values are ignored",
			env: map[string]string{
				"XDG_CONFIG_HOME": "relative/config",
				"XDG_DATA_HOME":   "relative/data",
			},
			wantConfig: filepath.Join(homeDir, ".config", "photodrop.toml"),
			wantBase:   filepath.Join(homeDir, ".local", "share", "photodrop"),
		},
		{
			name:       "falls back to home dir defaults",
			wantConfig: filepath.Join(homeDir, ".config", "photodrop.toml"),
			wantBase:   filepath.Join(homeDir, ".local", "share", "photodrop"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"PHOTODROP_CONFIG_PATH", "PHOTODROP_HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME"} {
				t.Setenv(k, tt.env[k])
			}

			d, err := GetDefaults()
			if err != nil {
				t.Fatalf("GetDefaults() error = %v", err)
			}
			if d.ConfigPath != tt.wantConfig {
				t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, tt.wantConfig)
			}
			if d.BaseDir != tt.wantBase {
				t.Errorf("BaseDir = %q, want %q", d.BaseDir, tt.wantBase)
			}
			if want := filepath.Join(tt.wantBase, "log"); d.LogDir != want {
				t.Errorf("LogDir = %q, want %q", d.LogDir, want)
			}
		})
	}
}
