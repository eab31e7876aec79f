// Package config loads runner settings: where work happens, where caches,
// artifacts, logs and the ledger live, and how jobs are executed.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Executor modes.
const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
	ExecutorAgent  = "agent"
)

// Duration is a time.Duration written as "10m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d: duration", n.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerSettings struct {
	Addr string `yaml:"addr"`
}

type AgentSettings struct {
	Addr string `yaml:"addr"`
	URL  string `yaml:"url"`
}

// Settings configure a runner process.
type Settings struct {
	// DataDir is the default parent of every other directory.
	DataDir      string `yaml:"data_dir"`
	Workspace    string `yaml:"workspace"`
	CacheDir     string `yaml:"cache_dir"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	LogDir       string `yaml:"log_dir"`
	LedgerPath   string `yaml:"ledger_path"`
	KeyDir       string `yaml:"key_dir"`

	// Repository is cloned by checkout steps.
	Repository string `yaml:"repository"`

	Executor        string   `yaml:"executor"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	JobTimeout      Duration `yaml:"job_timeout"`
	NoOutputTimeout Duration `yaml:"no_output_timeout"`
	AgentID         string   `yaml:"agent_id"`
	KeepWorkspace   bool     `yaml:"keep_workspace"`

	Log    LogSettings    `yaml:"log"`
	Server ServerSettings `yaml:"server"`
	Agent  AgentSettings  `yaml:"agent"`
}

// Default returns settings rooted at ./.ciflow.
func Default() Settings {
	return Settings{
		DataDir:         ".ciflow",
		Executor:        ExecutorLocal,
		MaxConcurrency:  3,
		JobTimeout:      Duration(5 * time.Hour),
		NoOutputTimeout: Duration(10 * time.Minute),
		AgentID:         "local-agent",
		Log:             LogSettings{Level: "info", Format: "console"},
		Server:          ServerSettings{Addr: ":8080"},
		Agent:           AgentSettings{Addr: ":9090", URL: "http://localhost:9090"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return s, errors.Wrap(err, "read settings")
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, errors.Wrapf(err, "parse settings %s", path)
			}
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	s.fillDirs()
	return s, s.Validate()
}

// ApplyEnv overrides settings from CIFLOW_* variables and PORT.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CIFLOW_DATA_DIR":      &s.DataDir,
		"CIFLOW_WORKSPACE":     &s.Workspace,
		"CIFLOW_CACHE_DIR":     &s.CacheDir,
		"CIFLOW_ARTIFACTS_DIR": &s.ArtifactsDir,
		"CIFLOW_LOG_DIR":       &s.LogDir,
		"CIFLOW_LEDGER":        &s.LedgerPath,
		"CIFLOW_KEY_DIR":       &s.KeyDir,
		"CIFLOW_REPOSITORY":    &s.Repository,
		"CIFLOW_EXECUTOR":      &s.Executor,
		"CIFLOW_AGENT_ID":      &s.AgentID,
		"CIFLOW_AGENT_URL":     &s.Agent.URL,
		"CIFLOW_LOG_LEVEL":     &s.Log.Level,
		"CIFLOW_LOG_FORMAT":    &s.Log.Format,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		s.Server.Addr = ":" + v
	}
	if v, ok := lookup("CIFLOW_MAX_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "CIFLOW_MAX_CONCURRENCY")
		}
		s.MaxConcurrency = n
	}
	for name, dst := range map[string]*Duration{
		"CIFLOW_JOB_TIMEOUT":       &s.JobTimeout,
		"CIFLOW_NO_OUTPUT_TIMEOUT": &s.NoOutputTimeout,
	} {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrap(err, name)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

func (s *Settings) fillDirs() {
	def := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(s.DataDir, name)
		}
	}
	def(&s.Workspace, "workspace")
	def(&s.CacheDir, "cache")
	def(&s.ArtifactsDir, "artifacts")
	def(&s.LogDir, "logs")
	def(&s.LedgerPath, "ledger.jsonl")
	def(&s.KeyDir, "keys")
}

// Validate checks values that cannot be defaulted.
func (s Settings) Validate() error {
	switch s.Executor {
	case ExecutorLocal, ExecutorDocker:
	case ExecutorAgent:
		if s.Agent.URL == "" {
			return errors.New("executor agent needs agent.url")
		}
	default:
		return errors.Errorf("unknown executor %q", s.Executor)
	}
	if s.MaxConcurrency < 1 {
		return errors.Errorf("max_concurrency must be at least 1, got %d", s.MaxConcurrency)
	}
	if s.JobTimeout <= 0 || s.NoOutputTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
