package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.BoolP("typemaps", "t", false, "")
	fs.BoolP("stores", "s", false, "")
	fs.BoolP("extract", "x", false, "")
	fs.StringP("output", "o", "./extracted", "")
	fs.String("abi", "", "")
	fs.StringP("report", "r", "", "")
	fs.IntP("workers", "w", 4, "")
	fs.String("log-file", "", "")
	fs.Bool("no-color", false, "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "./extracted", cfg.OutputDir)
	assert.Empty(t, cfg.Report)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Extract)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 2
output: /tmp/from-file
abi: arm64_v8a
stores: true
log:
  level: debug
`), 0o644))

	t.Setenv("ASMINSPECT_WORKERS", "6")

	fs := flagSet()
	require.NoError(t, fs.Parse([]string{"--output", "/tmp/from-flag", "-x"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "/tmp/from-flag", cfg.OutputDir)
	assert.Equal(t, "arm64-v8a", cfg.ABI)
	assert.True(t, cfg.ShowStores)
	assert.True(t, cfg.Extract)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero workers", "workers: 0\n"},
		{"unknown abi", "abi: mips\n"},
		{"bad log level", "log:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := Load(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
