package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CIFLOW_EXECUTOR", "")
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ExecutorLocal, s.Executor)
	assert.Equal(t, filepath.Join(".ciflow", "cache"), s.CacheDir)
	assert.Equal(t, Duration(10*time.Minute), s.NoOutputTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ciflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/ciflow
cache_dir: /mnt/cache
max_concurrency: 5
job_timeout: 30m
log:
  level: debug
`), 0o644))
	t.Setenv("PORT", "9000")
	t.Setenv("CIFLOW_NO_OUTPUT_TIMEOUT", "90s")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/cache", s.CacheDir)
	assert.Equal(t, "/var/lib/ciflow/artifacts", s.ArtifactsDir)
	assert.Equal(t, 5, s.MaxConcurrency)
	assert.Equal(t, Duration(30*time.Minute), s.JobTimeout)
	assert.Equal(t, Duration(90*time.Second), s.NoOutputTimeout)
	assert.Equal(t, ":9000", s.Server.Addr)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestValidate(t *testing.T) {
	s := Default()
	s.Executor = "k8s"
	assert.Error(t, s.Validate())

	s = Default()
	s.MaxConcurrency = 0
	assert.Error(t, s.Validate())

	s = Default()
	s.Executor = ExecutorAgent
	assert.NoError(t, s.Validate())
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	s := Default()
	env := map[string]string{"CIFLOW_MAX_CONCURRENCY": "many"}
	err := s.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.Error(t, err)
}
