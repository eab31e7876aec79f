package core

import (
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Pipeline represents a whole pipeline definition file.
type Pipeline struct {
	Version    string                    `yaml:"version"`
	Parameters map[string]Parameter      `yaml:"parameters"`
	Executors  map[string]ExecutorConfig `yaml:"executors"`
	Commands   map[string]Command        `yaml:"commands"`
	Jobs       map[string]Job            `yaml:"jobs"`
	Workflows  Workflows                 `yaml:"workflows"`
}

// ExecutorConfig is a named compute profile: container image plus resource class.
type ExecutorConfig struct {
	Docker           []DockerImage     `yaml:"docker"`
	ResourceClass    string            `yaml:"resource_class"`
	Environment      map[string]string `yaml:"environment"`
	WorkingDirectory string            `yaml:"working_directory"`
	Shell            string            `yaml:"shell"`
}

// DockerImage is one container of an executor; the first is primary.
type DockerImage struct {
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment"`
}

// Image returns the primary image, or empty for a host executor.
func (e ExecutorConfig) Image() string {
	if len(e.Docker) == 0 {
		return ""
	}
	return e.Docker[0].Image
}

// Parameter declares an argument of a command, job or the pipeline.
type Parameter struct {
	Type        string    `yaml:"type"`
	Description string    `yaml:"description"`
	Default     yaml.Node `yaml:"default"`
	Enum        []string  `yaml:"enum"`
}

// HasDefault reports whether a default value was declared.
func (p Parameter) HasDefault() bool {
	return p.Default.Kind != 0
}

// Parameter types.
const (
	ParamString     = "string"
	ParamBoolean    = "boolean"
	ParamInteger    = "integer"
	ParamEnum       = "enum"
	ParamSteps      = "steps"
	ParamEnvVarName = "env_var_name"
)

// Command is a named, parameterizable sequence of steps.
type Command struct {
	Description string               `yaml:"description"`
	Parameters  map[string]Parameter `yaml:"parameters"`
	Steps       []yaml.Node          `yaml:"steps"`
}

// ExecutorRef names the executor of a job, as `executor: name` or
// `executor: {name: name}`.
type ExecutorRef struct {
	Name string
}

func (r *ExecutorRef) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		r.Name = n.Value
		return nil
	case yaml.MappingNode:
		var v struct {
			Name string `yaml:"name"`
		}
		if err := n.Decode(&v); err != nil {
			return err
		}
		r.Name = v.Name
		return nil
	}
	return errors.Errorf("line %d: executor must be a name or a mapping", n.Line)
}

// StringList accepts a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{n.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return errors.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// Workflows maps workflow names to definitions. The legacy `version` key
// is ignored.
type Workflows map[string]*Workflow

func (w *Workflows) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: workflows must be a mapping", n.Line)
	}
	out := make(Workflows)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if key.Value == "version" {
			continue
		}
		var wf Workflow
		if err := val.Decode(&wf); err != nil {
			return errors.Wrapf(err, "workflow %q", key.Value)
		}
		wf.Name = key.Value
		out[key.Value] = &wf
	}
	*w = out
	return nil
}

// Names returns the workflow names sorted.
func (w Workflows) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflow is a set of jobs and their ordering conditions.
type Workflow struct {
	Name string        `yaml:"-"`
	Jobs []WorkflowJob `yaml:"jobs"`
}

// WorkflowJob is one entry of a workflow's job list.
type WorkflowJob struct {
	// Job is the job definition; Name is the unique name inside the
	// workflow and defaults to Job.
	Job      string
	Name     string
	Requires []string
	Filters  Filters
	Context  StringList
	Args     map[string]*yaml.Node
}

// Filters restrict on which branches a workflow job runs.
type Filters struct {
	Branches BranchFilter `yaml:"branches"`
}

// BranchFilter entries are exact names or /regular expressions/.
type BranchFilter struct {
	Only   StringList `yaml:"only"`
	Ignore StringList `yaml:"ignore"`
}

func (j *WorkflowJob) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		j.Job, j.Name = n.Value, n.Value
		return nil
	case yaml.MappingNode:
	default:
		return errors.Errorf("line %d: workflow job must be a name or a mapping", n.Line)
	}
	if len(n.Content) != 2 {
		return errors.Errorf("line %d: workflow job mapping must have exactly one key", n.Line)
	}

	j.Job = n.Content[0].Value
	j.Args = map[string]*yaml.Node{}
	body := n.Content[1]
	switch body.Kind {
	case yaml.MappingNode:
	case yaml.ScalarNode:
		if body.ShortTag() != "!!null" {
			return errors.Errorf("line %d: options of job %q must be a mapping", body.Line, j.Job)
		}
	default:
		return errors.Errorf("line %d: options of job %q must be a mapping", body.Line, j.Job)
	}

	for i := 0; i+1 < len(body.Content); i += 2 {
		key, val := body.Content[i].Value, body.Content[i+1]
		var err error
		switch key {
		case "name":
			j.Name = val.Value
		case "requires":
			var req StringList
			err = val.Decode(&req)
			j.Requires = req
		case "filters":
			err = val.Decode(&j.Filters)
		case "context":
			err = val.Decode(&j.Context)
		default:
			j.Args[key] = val
		}
		if err != nil {
			return errors.Wrapf(err, "job %q: %s", j.Job, key)
		}
	}
	if j.Name == "" {
		j.Name = j.Job
	}
	return nil
}
