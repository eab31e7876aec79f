package core

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Job is a unit of execution: an executor plus an ordered list of steps.
type Job struct {
	Executor         ExecutorRef          `yaml:"executor"`
	Docker           []DockerImage        `yaml:"docker"`
	ResourceClass    string               `yaml:"resource_class"`
	Parallelism      int                  `yaml:"parallelism"`
	Environment      map[string]string    `yaml:"environment"`
	WorkingDirectory string               `yaml:"working_directory"`
	Shell            string               `yaml:"shell"`
	Parameters       map[string]Parameter `yaml:"parameters"`
	Steps            []yaml.Node          `yaml:"steps"`
}

// StepKind names a built-in step.
type StepKind string

const (
	StepRun                StepKind = "run"
	StepCheckout           StepKind = "checkout"
	StepRestoreCache       StepKind = "restore_cache"
	StepSaveCache          StepKind = "save_cache"
	StepStoreArtifacts     StepKind = "store_artifacts"
	StepStoreTestResults   StepKind = "store_test_results"
	StepConvertTestResults StepKind = "convert_test_results"
	StepAssertCleanTree    StepKind = "assert_clean_tree"
)

var builtinSteps = map[string]StepKind{
	string(StepRun):                StepRun,
	string(StepCheckout):           StepCheckout,
	string(StepRestoreCache):       StepRestoreCache,
	string(StepSaveCache):          StepSaveCache,
	string(StepStoreArtifacts):     StepStoreArtifacts,
	string(StepStoreTestResults):   StepStoreTestResults,
	string(StepConvertTestResults): StepConvertTestResults,
	string(StepAssertCleanTree):    StepAssertCleanTree,
}

// When decides whether a step runs given the job state so far.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenOnFail    When = "on_fail"
	WhenAlways    When = "always"
)

// ShouldRun reports whether a step with this condition runs after the job
// has (or has not) failed.
func (w When) ShouldRun(failed bool) bool {
	switch w {
	case WhenAlways:
		return true
	case WhenOnFail:
		return failed
	default:
		return !failed
	}
}

// Step is a single expanded instruction inside a job. Only the fields of
// its Kind are set.
type Step struct {
	Kind StepKind `yaml:"kind" json:"kind"`
	Name string   `yaml:"name" json:"name"`
	When When     `yaml:"when" json:"when"`

	// run
	Command          string            `yaml:"command,omitempty" json:"command,omitempty"`
	Shell            string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"workingDirectory,omitempty"`
	Background       bool              `yaml:"background,omitempty" json:"background,omitempty"`
	NoOutputTimeout  time.Duration     `yaml:"no_output_timeout,omitempty" json:"noOutputTimeout,omitempty"`
	AllowFailure     bool              `yaml:"allow_failure,omitempty" json:"allowFailure,omitempty"`

	// checkout, store_artifacts, store_test_results
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`

	// restore_cache, save_cache
	Keys  []string `yaml:"keys,omitempty" json:"keys,omitempty"`
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// convert_test_results
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Input  string `yaml:"input,omitempty" json:"input,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// assert_clean_tree
	IgnoreUntracked bool `yaml:"ignore_untracked,omitempty" json:"ignoreUntracked,omitempty"`
}

// defaultWhen is the condition a step kind gets when none is given.
// Publishing steps run even after a failure so reports are never lost.
func defaultWhen(kind StepKind) When {
	switch kind {
	case StepStoreArtifacts, StepStoreTestResults, StepConvertTestResults:
		return WhenAlways
	}
	return WhenOnSuccess
}
