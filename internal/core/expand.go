package core

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"ciflow/internal/report"
)

const maxExpansionDepth = 32

var (
	ErrUnknownStep      = errors.New("unknown step")
	ErrUnknownReference = errors.New("unknown reference")
	ErrExpansionDepth   = errors.New("command expansion too deep")
	ErrParameter        = errors.New("invalid parameter")
	ErrInvalidStep      = errors.New("invalid step")
)

var (
	refPattern     = regexp.MustCompile(`<<\s*([A-Za-z0-9_.\-]+)\s*>>`)
	envVarName     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	scalarStyleStr = yaml.SingleQuotedStyle | yaml.DoubleQuotedStyle | yaml.LiteralStyle | yaml.FoldedStyle
)

// PipelineValues are the per-run values visible as << pipeline.* >>.
type PipelineValues struct {
	ID         string            `json:"id"`
	Number     int               `json:"number"`
	Branch     string            `json:"branch"`
	Revision   string            `json:"revision"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// JobPlan is a workflow job with its executor resolved and its steps
// expanded into primitives.
type JobPlan struct {
	Name             string            `yaml:"name" json:"name"`
	Job              string            `yaml:"job" json:"job"`
	Requires         []string          `yaml:"requires,omitempty" json:"requires,omitempty"`
	ExecutorName     string            `yaml:"executor,omitempty" json:"executor,omitempty"`
	Image            string            `yaml:"image,omitempty" json:"image,omitempty"`
	ResourceClass    string            `yaml:"resource_class,omitempty" json:"resourceClass,omitempty"`
	Parallelism      int               `yaml:"parallelism" json:"parallelism"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"workingDirectory,omitempty"`
	Shell            string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Steps            []Step            `yaml:"steps" json:"steps"`
}

// WorkflowPlan is the executable form of one workflow for one branch.
type WorkflowPlan struct {
	Name    string     `yaml:"name" json:"name"`
	Jobs    []*JobPlan `yaml:"jobs" json:"jobs"`
	Skipped []string   `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	// SkippedRequires keeps the requires of skipped jobs so the graph
	// still shows why they were skipped.
	SkippedRequires map[string][]string `yaml:"skippedRequires,omitempty" json:"skippedRequires,omitempty"`
}

// Plan expands a workflow for the given pipeline values. Jobs filtered out
// by branch, and every job requiring one of them, are listed as skipped.
func Plan(p *Pipeline, workflow string, values PipelineValues) (*WorkflowPlan, error) {
	wf, ok := p.Workflows[workflow]
	if !ok {
		return nil, errors.Errorf("unknown workflow %q", workflow)
	}
	x, err := newExpander(p, values)
	if err != nil {
		return nil, err
	}

	excluded := map[string]bool{}
	for _, wj := range wf.Jobs {
		match, err := wj.Filters.Branches.Matches(values.Branch)
		if err != nil {
			return nil, errors.Wrapf(err, "job %q filters", wj.Name)
		}
		if !match {
			excluded[wj.Name] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, wj := range wf.Jobs {
			if excluded[wj.Name] {
				continue
			}
			for _, r := range wj.Requires {
				if excluded[r] {
					excluded[wj.Name], changed = true, true
					break
				}
			}
		}
	}

	plan := &WorkflowPlan{Name: workflow}
	var errs error
	for _, wj := range wf.Jobs {
		if excluded[wj.Name] {
			plan.Skipped = append(plan.Skipped, wj.Name)
			if len(wj.Requires) > 0 {
				if plan.SkippedRequires == nil {
					plan.SkippedRequires = map[string][]string{}
				}
				plan.SkippedRequires[wj.Name] = wj.Requires
			}
			continue
		}
		jp, err := x.planJob(wj)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "job %q", wj.Name))
			continue
		}
		plan.Jobs = append(plan.Jobs, jp)
	}
	if errs != nil {
		return nil, errs
	}
	return plan, nil
}

// Matches reports whether branch passes the filter.
func (f BranchFilter) Matches(branch string) (bool, error) {
	if len(f.Only) > 0 {
		ok, err := matchAny(f.Only, branch)
		if err != nil || !ok {
			return false, err
		}
	}
	ignored, err := matchAny(f.Ignore, branch)
	return !ignored, err
}

func matchAny(patterns []string, branch string) (bool, error) {
	for _, p := range patterns {
		if len(p) > 1 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			re, err := regexp.Compile("^(?:" + p[1:len(p)-1] + ")$")
			if err != nil {
				return false, errors.Wrapf(err, "branch pattern %s", p)
			}
			if re.MatchString(branch) {
				return true, nil
			}
			continue
		}
		if p == branch {
			return true, nil
		}
	}
	return false, nil
}

type expander struct {
	p        *Pipeline
	values   PipelineValues
	pipeline map[string]*yaml.Node
}

func newExpander(p *Pipeline, values PipelineValues) (*expander, error) {
	x := &expander{p: p, values: values}
	args := make(map[string]*yaml.Node, len(values.Parameters))
	for k, v := range values.Parameters {
		args[k] = scalarNode(v)
	}
	bound, err := bindParameters("pipeline", p.Parameters, args, x.scope(nil))
	if err != nil {
		return nil, err
	}
	x.pipeline = bound
	return x, nil
}

func (x *expander) scope(params map[string]*yaml.Node) *scope {
	return &scope{params: params, pipeline: x.pipeline, values: x.values}
}

func (x *expander) planJob(wj WorkflowJob) (*JobPlan, error) {
	job, ok := x.p.Jobs[wj.Job]
	if !ok {
		return nil, errors.Errorf("unknown job %q", wj.Job)
	}
	params, err := bindParameters("job "+wj.Name, job.Parameters, wj.Args, x.scope(nil))
	if err != nil {
		return nil, err
	}
	sc := x.scope(params)

	jp := &JobPlan{
		Name:        wj.Name,
		Job:         wj.Job,
		Requires:    wj.Requires,
		Parallelism: job.Parallelism,
		Environment: map[string]string{},
	}
	if jp.Parallelism < 1 {
		jp.Parallelism = 1
	}

	layer := func(env map[string]string) {
		for k, v := range env {
			jp.Environment[k] = v
		}
	}
	if job.Executor.Name != "" {
		ex, ok := x.p.Executors[job.Executor.Name]
		if !ok {
			return nil, errors.Errorf("unknown executor %q", job.Executor.Name)
		}
		jp.ExecutorName = job.Executor.Name
		jp.Image = ex.Image()
		jp.ResourceClass = ex.ResourceClass
		jp.WorkingDirectory = ex.WorkingDirectory
		jp.Shell = ex.Shell
		layer(ex.Environment)
		if len(ex.Docker) > 0 {
			layer(ex.Docker[0].Environment)
		}
	}
	if len(job.Docker) > 0 {
		jp.Image = job.Docker[0].Image
		layer(job.Docker[0].Environment)
	}
	layer(job.Environment)
	if job.ResourceClass != "" {
		jp.ResourceClass = job.ResourceClass
	}
	if job.WorkingDirectory != "" {
		jp.WorkingDirectory = job.WorkingDirectory
	}
	if job.Shell != "" {
		jp.Shell = job.Shell
	}

	for k, v := range jp.Environment {
		if jp.Environment[k], err = sc.substituteString(v); err != nil {
			return nil, err
		}
	}
	for _, s := range []*string{&jp.Image, &jp.WorkingDirectory, &jp.Shell, &jp.ResourceClass} {
		if *s, err = sc.substituteString(*s); err != nil {
			return nil, err
		}
	}

	jp.Steps, err = x.expandSteps(nodePtrs(job.Steps), sc, 0)
	if err != nil {
		return nil, err
	}
	return jp, nil
}

func nodePtrs(nodes []yaml.Node) []*yaml.Node {
	out := make([]*yaml.Node, len(nodes))
	for i := range nodes {
		out[i] = &nodes[i]
	}
	return out
}

func (x *expander) expandSteps(nodes []*yaml.Node, sc *scope, depth int) ([]Step, error) {
	if depth > maxExpansionDepth {
		return nil, ErrExpansionDepth
	}
	var out []Step
	for _, raw := range nodes {
		n, err := sc.substitute(raw)
		if err != nil {
			return nil, err
		}
		steps, err := x.expandStep(n, sc, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, steps...)
	}
	return out, nil
}

func (x *expander) expandStep(n *yaml.Node, sc *scope, depth int) ([]Step, error) {
	switch n.Kind {
	case yaml.SequenceNode:
		// A steps parameter spliced in place.
		return x.expandSteps(n.Content, sc, depth+1)

	case yaml.ScalarNode:
		if isNull(n) {
			return nil, nil
		}
		if kind, ok := builtinSteps[n.Value]; ok {
			st, err := decodeBuiltin(kind, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", n.Line)
			}
			return []Step{st}, nil
		}
		if _, ok := x.p.Commands[n.Value]; ok {
			return x.invoke(n.Value, nil, depth)
		}
		return nil, errors.Wrapf(ErrUnknownStep, "line %d: %q", n.Line, n.Value)

	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return nil, errors.Wrapf(ErrInvalidStep, "line %d: step must have exactly one key", n.Line)
		}
		key, body := n.Content[0].Value, n.Content[1]
		if kind, ok := builtinSteps[key]; ok {
			st, err := decodeBuiltin(kind, body)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", n.Line)
			}
			return []Step{st}, nil
		}
		switch key {
		case "when", "unless":
			var cond struct {
				Condition yaml.Node   `yaml:"condition"`
				Steps     []yaml.Node `yaml:"steps"`
			}
			if err := body.Decode(&cond); err != nil {
				return nil, errors.Wrapf(err, "line %d: %s", n.Line, key)
			}
			if cond.Condition.Kind == 0 {
				return nil, errors.Wrapf(ErrInvalidStep, "line %d: %s without condition", n.Line, key)
			}
			ok, err := evalCondition(&cond.Condition)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", n.Line)
			}
			if ok == (key == "unless") {
				return nil, nil
			}
			return x.expandSteps(nodePtrs(cond.Steps), sc, depth+1)
		}
		if _, ok := x.p.Commands[key]; ok {
			return x.invoke(key, body, depth)
		}
		return nil, errors.Wrapf(ErrUnknownStep, "line %d: %q", n.Line, key)
	}
	return nil, errors.Wrapf(ErrInvalidStep, "line %d", n.Line)
}

func (x *expander) invoke(name string, body *yaml.Node, depth int) ([]Step, error) {
	cmd := x.p.Commands[name]
	args, err := mappingArgs(body)
	if err != nil {
		return nil, errors.Wrapf(err, "command %q", name)
	}
	params, err := bindParameters("command "+name, cmd.Parameters, args, x.scope(nil))
	if err != nil {
		return nil, err
	}
	steps, err := x.expandSteps(nodePtrs(cmd.Steps), x.scope(params), depth+1)
	return steps, errors.Wrapf(err, "command %q", name)
}

func mappingArgs(body *yaml.Node) (map[string]*yaml.Node, error) {
	args := map[string]*yaml.Node{}
	if body == nil || isNull(body) {
		return args, nil
	}
	if body.Kind != yaml.MappingNode {
		return nil, errors.Wrapf(ErrParameter, "line %d: arguments must be a mapping", body.Line)
	}
	for i := 0; i+1 < len(body.Content); i += 2 {
		args[body.Content[i].Value] = body.Content[i+1]
	}
	return args, nil
}

// stepSpec is the union of every built-in step's options.
type stepSpec struct {
	Name             string            `yaml:"name"`
	Command          string            `yaml:"command"`
	Shell            string            `yaml:"shell"`
	Environment      map[string]string `yaml:"environment"`
	WorkingDirectory string            `yaml:"working_directory"`
	Background       bool              `yaml:"background"`
	NoOutputTimeout  string            `yaml:"no_output_timeout"`
	When             string            `yaml:"when"`
	AllowFailure     bool              `yaml:"allow_failure"`
	Path             string            `yaml:"path"`
	Destination      string            `yaml:"destination"`
	Key              string            `yaml:"key"`
	Keys             StringList        `yaml:"keys"`
	Paths            StringList        `yaml:"paths"`
	Format           string            `yaml:"format"`
	Input            string            `yaml:"input"`
	Output           string            `yaml:"output"`
	IgnoreUntracked  bool              `yaml:"ignore_untracked"`
}

func decodeBuiltin(kind StepKind, body *yaml.Node) (Step, error) {
	var def stepSpec
	switch {
	case body == nil || isNull(body):
	case kind == StepRun && body.Kind == yaml.ScalarNode:
		def.Command = body.Value
	default:
		if err := body.Decode(&def); err != nil {
			return Step{}, errors.Wrapf(err, "%s", kind)
		}
	}

	st := Step{
		Kind:             kind,
		Name:             def.Name,
		Command:          def.Command,
		Shell:            def.Shell,
		Environment:      def.Environment,
		WorkingDirectory: def.WorkingDirectory,
		Background:       def.Background,
		AllowFailure:     def.AllowFailure,
		Path:             def.Path,
		Destination:      def.Destination,
		Paths:            def.Paths,
		Format:           def.Format,
		Input:            def.Input,
		Output:           def.Output,
		IgnoreUntracked:  def.IgnoreUntracked,
	}

	switch def.When {
	case "":
		st.When = defaultWhen(kind)
	case string(WhenAlways), string(WhenOnSuccess), string(WhenOnFail):
		st.When = When(def.When)
	default:
		return st, errors.Wrapf(ErrInvalidStep, "%s: when must be always, on_success or on_fail, got %q", kind, def.When)
	}

	if def.NoOutputTimeout != "" {
		d, err := time.ParseDuration(def.NoOutputTimeout)
		if err != nil || d <= 0 {
			return st, errors.Wrapf(ErrInvalidStep, "%s: no_output_timeout %q", kind, def.NoOutputTimeout)
		}
		st.NoOutputTimeout = d
	}

	invalid := func(msg string) (Step, error) {
		return st, errors.Wrapf(ErrInvalidStep, "%s: %s", kind, msg)
	}
	defName := func(name string) {
		if st.Name == "" {
			st.Name = name
		}
	}

	switch kind {
	case StepRun:
		if strings.TrimSpace(st.Command) == "" {
			return invalid("command is required")
		}
		defName(firstLine(st.Command))
	case StepCheckout:
		defName("Checkout code")
	case StepRestoreCache:
		if def.Key != "" {
			st.Keys = append(st.Keys, def.Key)
		}
		st.Keys = append(st.Keys, def.Keys...)
		if len(st.Keys) == 0 {
			return invalid("key or keys is required")
		}
		defName("Restoring cache")
	case StepSaveCache:
		if def.Key == "" || len(def.Paths) == 0 {
			return invalid("key and paths are required")
		}
		st.Keys = []string{def.Key}
		defName("Saving cache")
	case StepStoreArtifacts:
		if st.Path == "" {
			return invalid("path is required")
		}
		defName("Uploading artifacts")
	case StepStoreTestResults:
		if st.Path == "" {
			return invalid("path is required")
		}
		defName("Uploading test results")
	case StepConvertTestResults:
		if st.Input == "" || st.Output == "" {
			return invalid("input and output are required")
		}
		if st.Format != report.FormatCargo && st.Format != report.FormatGoTest {
			return invalid("format must be cargo or gotest")
		}
		defName("Converting test results")
	case StepAssertCleanTree:
		defName("Checking working tree is clean")
	}
	return st, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func scalarNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return cloneNode(n.Alias)
	}
	c := *n
	c.Anchor = ""
	if len(n.Content) > 0 {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, ch := range n.Content {
			c.Content[i] = cloneNode(ch)
		}
	}
	return &c
}

// scope resolves << >> references for one command or job body.
type scope struct {
	params   map[string]*yaml.Node
	pipeline map[string]*yaml.Node
	values   PipelineValues
}

func (s *scope) lookup(ref string) (*yaml.Node, error) {
	switch ref {
	case "pipeline.git.branch":
		return scalarNode(s.values.Branch), nil
	case "pipeline.git.revision":
		return scalarNode(s.values.Revision), nil
	case "pipeline.id":
		return scalarNode(s.values.ID), nil
	case "pipeline.number":
		return scalarNode(strconv.Itoa(s.values.Number)), nil
	}
	if name, ok := strings.CutPrefix(ref, "pipeline.parameters."); ok {
		if v, ok := s.pipeline[name]; ok {
			return v, nil
		}
	} else if name, ok := strings.CutPrefix(ref, "parameters."); ok {
		if v, ok := s.params[name]; ok {
			return v, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownReference, "<< %s >>", ref)
}

func scalarText(n *yaml.Node) (string, bool) {
	if n.Kind != yaml.ScalarNode {
		return "", false
	}
	if isNull(n) {
		return "", true
	}
	return n.Value, true
}

// substituteString replaces references in a plain string.
func (s *scope) substituteString(v string) (string, error) {
	if !strings.Contains(v, "<<") {
		return v, nil
	}
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(v, func(m string) string {
		ref := refPattern.FindStringSubmatch(m)[1]
		val, err := s.lookup(ref)
		if err != nil {
			firstErr = multierr.Append(firstErr, err)
			return m
		}
		text, ok := scalarText(val)
		if !ok {
			firstErr = multierr.Append(firstErr, errors.Wrapf(ErrParameter, "<< %s >> is not a scalar", ref))
			return m
		}
		return text
	})
	return out, firstErr
}

// substitute returns a copy of n with every reference replaced. A scalar
// that is exactly one reference takes the referenced node, so steps and
// booleans keep their shape.
func (s *scope) substitute(n *yaml.Node) (*yaml.Node, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "<<") {
			return cloneNode(n), nil
		}
		if m := refPattern.FindStringSubmatch(n.Value); m != nil && strings.TrimSpace(n.Value) == m[0] {
			v, err := s.lookup(m[1])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", n.Line)
			}
			c := cloneNode(v)
			c.Line, c.Column = n.Line, n.Column
			return c, nil
		}
		text, err := s.substituteString(n.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", n.Line)
		}
		c := cloneNode(n)
		c.Value = text
		if c.Style&scalarStyleStr == 0 {
			c.Tag = ""
		}
		return c, nil

	case yaml.MappingNode:
		c := cloneNode(n)
		for i := 1; i < len(n.Content); i += 2 {
			v, err := s.substitute(n.Content[i])
			if err != nil {
				return nil, err
			}
			c.Content[i] = v
		}
		return c, nil

	case yaml.SequenceNode, yaml.DocumentNode:
		c := cloneNode(n)
		for i, ch := range n.Content {
			v, err := s.substitute(ch)
			if err != nil {
				return nil, err
			}
			c.Content[i] = v
		}
		return c, nil
	}
	return cloneNode(n), nil
}

// bindParameters checks args against defs and fills defaults.
func bindParameters(where string, defs map[string]Parameter, args map[string]*yaml.Node, outer *scope) (map[string]*yaml.Node, error) {
	var errs error
	for name := range args {
		if _, ok := defs[name]; !ok {
			errs = multierr.Append(errs, errors.Wrapf(ErrParameter, "%s: unknown parameter %q", where, name))
		}
	}

	bound := make(map[string]*yaml.Node, len(defs))
	for name, def := range defs {
		v, ok := args[name]
		if !ok {
			if !def.HasDefault() {
				errs = multierr.Append(errs, errors.Wrapf(ErrParameter, "%s: missing required parameter %q", where, name))
				continue
			}
			d, err := outer.substitute(&def.Default)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "%s: default of %q", where, name))
				continue
			}
			v = d
		}
		if err := checkParameter(def, v); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s: parameter %q", where, name))
			continue
		}
		bound[name] = v
	}
	return bound, errs
}

func checkParameter(def Parameter, v *yaml.Node) error {
	if v.Kind == yaml.AliasNode && v.Alias != nil {
		v = v.Alias
	}
	switch def.Type {
	case "", ParamString:
		if v.Kind != yaml.ScalarNode {
			return errors.Wrap(ErrParameter, "expected a string")
		}
	case ParamBoolean:
		var b bool
		if v.Kind != yaml.ScalarNode || v.Decode(&b) != nil {
			return errors.Wrapf(ErrParameter, "expected a boolean, got %q", v.Value)
		}
	case ParamInteger:
		var i int
		if v.Kind != yaml.ScalarNode || v.Decode(&i) != nil {
			return errors.Wrapf(ErrParameter, "expected an integer, got %q", v.Value)
		}
	case ParamEnum:
		if v.Kind == yaml.ScalarNode {
			for _, e := range def.Enum {
				if e == v.Value {
					return nil
				}
			}
		}
		return errors.Wrapf(ErrParameter, "%q is not one of %v", v.Value, def.Enum)
	case ParamSteps:
		if v.Kind != yaml.SequenceNode && !isNull(v) {
			return errors.Wrap(ErrParameter, "expected a list of steps")
		}
	case ParamEnvVarName:
		if v.Kind != yaml.ScalarNode || !envVarName.MatchString(v.Value) {
			return errors.Wrapf(ErrParameter, "%q is not an environment variable name", v.Value)
		}
	default:
		return errors.Wrapf(ErrParameter, "unknown type %q", def.Type)
	}
	return nil
}
