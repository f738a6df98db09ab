package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/config"
)

func TestLoad_DefaultsApplyWithNoFileOrEnv(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, "America/Los_Angeles", cfg.RateLimitReferenceZone)
}

func TestLoad_EnvVarOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("RECEIPT_DATA_DIR", "/tmp/receipt-data")
	t.Setenv("RECEIPT_RATE_LIMIT_RPM", "30")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/receipt-data", cfg.DataDir)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}

func TestLoad_YAMLFileOverridesDefaultButNotEnv(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	yamlPath := filepath.Join(dir, ".receipt-processor.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("data_dir: /from/yaml\nrate_limit_rpm: 45\n"), 0o644))

	t.Setenv("RECEIPT_RATE_LIMIT_RPM", "99")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/yaml", cfg.DataDir)
	assert.Equal(t, 99, cfg.RateLimitRPM, "env must beat the yaml file")
}

func TestLoad_FlagOverridesEverything(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("RECEIPT_DATA_DIR", "/from/env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("data_dir", "", "")
	require.NoError(t, fs.Set("data_dir", "/from/flag"))

	cfg, err := config.Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { os.Chdir(orig) }
}
